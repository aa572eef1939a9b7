package registry

import (
	"fmt"
	"path/filepath"

	"github.com/cuemby/agentcore/pkg/config"
	"github.com/cuemby/agentcore/pkg/types"
)

// deriveExecutorInfo returns task.Executor verbatim when the task carries
// one, otherwise synthesizes a command-executor, a direct translation of
// slave.hpp's Framework::getExecutorInfo: the command executor shares the
// task's ID, its name embeds a possibly-truncated copy of the command, and
// its own command is rewritten to invoke mesos-executor resolved via
// realpath under cfg.LauncherDir, falling back to an echo-and-exit stub
// when resolution fails.
func deriveExecutorInfo(task types.TaskInfo, cfg config.Config) types.ExecutorInfo {
	if task.Executor != nil {
		return *task.Executor
	}

	cmd := types.CommandInfo{}
	if task.Command != nil {
		cmd = *task.Command
	}

	name := commandDisplayName(cmd.Value)

	resolved, err := filepath.EvalSymlinks(filepath.Join(cfg.LauncherDir, "mesos-executor"))
	value := fmt.Sprintf("echo '%s'; exit 1", err)
	if err == nil {
		value = resolved
	}

	executorCmd := cmd
	executorCmd.Value = value

	return types.ExecutorInfo{
		ID:          types.ExecutorID(task.ID),
		FrameworkID: task.FrameworkID,
		Name:        "Command Executor (Task: " + string(task.ID) + ") (Command: sh -c '" + name,
		Source:      string(task.ID),
		Command:     executorCmd,
		Resources:   types.Resources{},
	}
}

// commandDisplayName truncates a command string longer than 15 characters
// to its first 12 characters plus "...", matching slave.hpp's name
// construction. An empty command has no deterministic analogue in the
// source; this expansion resolves it to a fixed placeholder.
func commandDisplayName(value string) string {
	if value == "" {
		return "(no command)"
	}
	if len(value) > 15 {
		return value[:12] + "...')"
	}
	return value + "')"
}
