package agent

import (
	"context"
	"os"
	"time"

	"github.com/cuemby/agentcore/pkg/checkpoint"
	"github.com/cuemby/agentcore/pkg/isolator"
	"github.com/cuemby/agentcore/pkg/log"
	"github.com/cuemby/agentcore/pkg/metrics"
	"github.com/cuemby/agentcore/pkg/registry"
	"github.com/cuemby/agentcore/pkg/types"
)

// Recover runs the seven-step startup recovery protocol and returns the
// agent-ID to resume with (empty for a cold start). The checkpoint store,
// registry, status-update manager, isolator, and reaper this Agent was
// built with must already be running their own actor loops: Recover drives
// them through their public, message-passing APIs rather than reaching
// into their internals.
//
// Callers must not start Agent.Run, or send it any message, until Recover
// returns — that ordering alone is what satisfies "only accept runTask
// once recovery settles" (step 6), since nothing can reach the registry's
// RunTask except through the agent's own dispatch loop.
func (a *Agent) Recover(ctx context.Context) (types.AgentID, error) {
	logger := log.WithComponent("agent")
	timer := metrics.NewTimer()

	agentInfo, hasInfo, err := a.store.ReadAgentInfo()
	if err != nil {
		return "", a.recoveryFailure(err)
	}

	state, err := a.store.Recover()
	if err != nil {
		return "", a.recoveryFailure(err)
	}

	restored, checkpointedExecutors := a.planRestore(state)

	if err := a.isolator.Recover(ctx, checkpointedExecutors); err != nil {
		if a.cfg.Strict {
			return "", a.recoveryFailure(err)
		}
		logger.Error().Err(err).Msg("isolator recover reported errors; continuing best-effort")
	}

	a.registry.Restore(restored)

	for _, run := range restored {
		a.reconcileRecovered(ctx, run)
	}

	timer.ObserveDuration(metrics.RecoveryDuration)

	if !hasInfo {
		return "", nil
	}
	return agentInfo.ID, nil
}

// recoveryFailure applies the strict/best-effort checkpoint-I/O-error
// policy: under strict, every recovery error aborts the process;
// otherwise it is logged and surfaced to the caller as a cold start so
// the agent can still come up.
func (a *Agent) recoveryFailure(err error) error {
	logger := log.WithComponent("agent")
	if a.cfg.Strict {
		logger.Fatal().Err(err).Msg("recovery failed under strict mode")
	}
	logger.Error().Err(err).Msg("recovery failed; continuing as a cold start")
	return err
}

// planRestore folds a checkpoint.RecoveredState into the registry.Restore
// input and the isolator.Recover input. When an executor has more than one
// run directory (a relaunch happened before the previous run's stale
// directory was reaped), the run with the most recently modified directory
// is treated as live and the rest are logged and left for pkg/gc.
func (a *Agent) planRestore(state checkpoint.RecoveredState) ([]registry.RestoredExecutor, []isolator.CheckpointedExecutor) {
	logger := log.WithComponent("agent")

	var restored []registry.RestoredExecutor
	var checkpointed []isolator.CheckpointedExecutor

	for _, fw := range state.Frameworks {
		for _, ex := range fw.Executors {
			run, ok := latestRun(ex.Runs)
			if !ok {
				continue
			}
			for _, stale := range ex.Runs {
				if stale.Dir != run.Dir {
					logger.Warn().Str("executor", string(ex.ID)).Str("dir", stale.Dir).Msg("stale executor run directory found during recovery")
				}
			}

			tasks := make([]types.Task, 0, len(run.Tasks))
			for _, rt := range run.Tasks {
				tasks = append(tasks, types.Task{
					ID:          rt.Info.ID,
					ExecutorID:  ex.ID,
					FrameworkID: fw.Info.ID,
					Resources:   rt.Info.Resources,
					State:       latestTaskState(rt),
				})
			}

			restored = append(restored, registry.RestoredExecutor{
				Framework:     fw.Info,
				Executor:      run.Info,
				ContainerUUID: run.ContainerUUID,
				SandboxDir:    run.Dir,
				PID:           run.PID,
				HasPID:        run.HasPID,
				Tasks:         tasks,
			})

			checkpointed = append(checkpointed, isolator.CheckpointedExecutor{
				ExecutorID:    ex.ID,
				FrameworkID:   fw.Info.ID,
				ContainerUUID: run.ContainerUUID,
				SandboxDir:    run.Dir,
				PID:           run.PID,
				HasPID:        run.HasPID,
				Image:         run.Info.Image,
			})

			for _, rt := range run.Tasks {
				a.statusUpd.Recover(run.Dir, rt)
			}
		}
	}

	return restored, checkpointed
}

// reconcileRecovered applies the agent's recover policy to one restored
// executor: in reconnect mode, the reaper watches its PID directly (the
// isolator backends deliberately do not watch recovered PIDs themselves,
// for consistency between the process and containerd backends) and a
// timer forces a shutdown if it never re-registers in time; otherwise the
// executor is shut down immediately.
func (a *Agent) reconcileRecovered(ctx context.Context, run registry.RestoredExecutor) {
	framework, executor := run.Framework.ID, run.Executor.ID

	if !a.cfg.Recover.Reconnect {
		a.forceShutdownRecovered(framework, executor, run.SandboxDir)
		return
	}

	if !run.HasPID {
		a.forceShutdownRecovered(framework, executor, run.SandboxDir)
		return
	}

	a.watchRecoveredPID(run.PID, framework, executor)

	timeout := a.cfg.ExecutorReregisterTimeout
	sandboxDir := run.SandboxDir
	time.AfterFunc(timeout, func() {
		select {
		case a.mailbox <- recoveredExecutorTimeoutMsg{framework: framework, executor: executor, sandboxDir: sandboxDir}:
		case <-ctx.Done():
		}
	})
}

func (a *Agent) forceShutdownRecovered(framework types.FrameworkID, executor types.ExecutorID, sandboxDir string) {
	a.registry.ShutdownExecutor(framework, executor)
	if a.cfg.Recover.Cleanup {
		a.scheduleCleanup(sandboxDir)
	}
}

// scheduleCleanup removes a recovered executor's sandbox directory once
// its two-phase shutdown has had time to complete. Best-effort: a failure
// here is left for the next disk-usage sweep (pkg/gc) rather than retried.
func (a *Agent) scheduleCleanup(sandboxDir string) {
	logger := log.WithComponent("agent")
	delay := a.cfg.ExecutorShutdownGracePeriod + time.Second
	time.AfterFunc(delay, func() {
		if err := os.RemoveAll(sandboxDir); err != nil {
			logger.Warn().Err(err).Str("dir", sandboxDir).Msg("cleanup recovered sandbox")
		}
	})
}

func latestRun(runs []checkpoint.RecoveredRun) (checkpoint.RecoveredRun, bool) {
	if len(runs) == 0 {
		return checkpoint.RecoveredRun{}, false
	}
	best := runs[0]
	bestMod := dirModTime(best.Dir)
	for _, run := range runs[1:] {
		if mod := dirModTime(run.Dir); mod.After(bestMod) {
			best, bestMod = run, mod
		}
	}
	return best, true
}

func dirModTime(dir string) time.Time {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// latestTaskState folds a task's replayed update log into its current
// state: the state of the most recently appended update, or STAGING if the
// executor never reported one.
func latestTaskState(rt checkpoint.RecoveredTask) types.TaskState {
	if len(rt.Updates) == 0 {
		return types.TaskStaging
	}
	return rt.Updates[len(rt.Updates)-1].State
}
