/*
Package log provides structured logging built on zerolog: a global logger
configured once via Init, plus component- and entity-scoped child loggers
used throughout the agent's packages.

# Usage

Initializing the logger:

	import "github.com/cuemby/agentcore/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	registryLog := log.WithComponent("registry")
	registryLog.Info().Str("framework_id", "fw-1").Msg("framework registered")

Entity-scoped loggers compose with WithComponent via zerolog's chained
With():

	log.WithComponent("statusupdate").
		With().Str("task_id", "task-1").Str("update_uuid", uuid).
		Logger().Debug().Msg("update acked")

Package-level helpers (Info, Debug, Warn, Error, Fatal) write to the
global Logger and exist for call sites that have no component or entity
context worth attaching — most call sites should prefer a component
logger.

# Log levels

Debug is for development and step tracing; Info is the default production
level; Warn flags situations worth attention without the agent changing
behavior (backoff retries, recoverable checkpoint errors); Error and
Fatal mark operations that failed, with Fatal reserved for conditions
Init's caller has decided are unrecoverable for the process. Abort is the
same as Fatal with an attached error, used by code paths the rest of the
package tags explicitly as process-ending (strict-mode recovery failure,
a checkpoint invariant violation).

# Design

Logger is a single package-level zerolog.Logger, set by Init and read
concurrently by every goroutine — zerolog.Logger is immutable value type
copied by each WithX call, so no locking is needed after Init runs.
Context loggers (WithComponent, WithAgentID, WithFrameworkID,
WithExecutorID, WithTaskID, WithUpdateUUID) each derive a child logger
with one field attached; callers chain them or use zerolog's With()
directly for loggers carrying more than one field.
*/
package log
