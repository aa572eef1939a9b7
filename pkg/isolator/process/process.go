// Package process implements pkg/isolator.Isolator by running executors as
// plain OS processes: resolve an executable, start it, monitor it, stop
// it — the posix-process side of the polymorphic executor runtime
// pkg/isolator/containerd covers for image-carrying executors.
package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/cuemby/agentcore/pkg/isolator"
	"github.com/cuemby/agentcore/pkg/log"
	"github.com/cuemby/agentcore/pkg/types"
)

type entry struct {
	cmd *exec.Cmd
	pid int
}

// Isolator launches executors as child processes of this agent, each in
// its own process group (Setpgid) so a killed executor's own descendants
// die with it and so the reaper's non-child path can still observe any
// descendant that manages to survive (e.g. a double-forked grandchild).
type Isolator struct {
	mu      sync.Mutex
	running map[types.ExecutorID]*entry
}

// New creates an empty process Isolator.
func New() *Isolator {
	return &Isolator{running: make(map[types.ExecutorID]*entry)}
}

// LaunchExecutor starts ex.Command.Value as a child process in sandboxDir.
// res is not enforced by this backend beyond being recorded — posix
// process groups carry no resource limits of their own; a cgroup-aware
// variant would apply them here, out of scope for this backend.
func (iso *Isolator) LaunchExecutor(ctx context.Context, fw types.FrameworkInfo, ex types.ExecutorInfo, sandboxDir string, res types.Resources) (int, <-chan isolator.TerminationStatus, error) {
	if ex.Command.Value == "" {
		return 0, nil, fmt.Errorf("process isolator: executor %s has no command", ex.ID)
	}
	if err := os.MkdirAll(sandboxDir, 0755); err != nil {
		return 0, nil, fmt.Errorf("create sandbox %s: %w", sandboxDir, err)
	}

	cmd := exec.CommandContext(context.Background(), "/bin/sh", "-c", ex.Command.Value)
	cmd.Dir = sandboxDir
	cmd.Env = append(os.Environ(), ex.Command.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logFile, err := os.Create(sandboxDir + "/stdout.log")
	if err == nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return 0, nil, fmt.Errorf("start executor %s: %w", ex.ID, err)
	}

	pid := cmd.Process.Pid
	iso.mu.Lock()
	iso.running[ex.ID] = &entry{cmd: cmd, pid: pid}
	iso.mu.Unlock()

	termination := make(chan isolator.TerminationStatus, 1)
	go func() {
		err := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}

		iso.mu.Lock()
		delete(iso.running, ex.ID)
		iso.mu.Unlock()

		status := isolator.TerminationStatus{Reason: isolator.TerminationExited, Known: true}
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				status.ExitCode = exitErr.ExitCode()
			} else {
				status.Known = false
				status.Err = err
			}
		}
		termination <- status
	}()

	return pid, termination, nil
}

// Update is a no-op for this backend: posix process groups carry no
// adjustable resource limits here.
func (iso *Isolator) Update(ctx context.Context, executorID types.ExecutorID, res types.Resources) error {
	return nil
}

// Usage reads /proc/<pid>/status for a best-effort resident memory figure.
// CPU usage is not sampled by this backend; it reports zero.
func (iso *Isolator) Usage(ctx context.Context, executorID types.ExecutorID) (isolator.ResourceStatistics, error) {
	iso.mu.Lock()
	e, ok := iso.running[executorID]
	iso.mu.Unlock()
	if !ok {
		return isolator.ResourceStatistics{}, fmt.Errorf("process isolator: unknown executor %s", executorID)
	}

	rss, err := residentMemoryBytes(e.pid)
	if err != nil {
		logger := log.WithComponent("isolator.process")
		logger.Warn().Err(err).Int("pid", e.pid).Msg("read memory usage")
	}
	return isolator.ResourceStatistics{MemoryUsage: rss}, nil
}

// Destroy sends SIGKILL to the executor's process group. Idempotent: an
// already-gone executor is not an error.
func (iso *Isolator) Destroy(ctx context.Context, executorID types.ExecutorID) error {
	iso.mu.Lock()
	e, ok := iso.running[executorID]
	iso.mu.Unlock()
	if !ok {
		return nil
	}

	if err := unix.Kill(-e.pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("kill process group %d: %w", e.pid, err)
	}
	return nil
}

// Recover re-populates the running table for executors the checkpoint
// store found still on disk with a live PID, so Update/Usage/Destroy work
// on them after an agent restart. Termination detection for a recovered
// executor is the agent's responsibility (pkg/agent calls reaper.Monitor
// on the recovered PID directly) since this backend did not start the
// process and has no *exec.Cmd to Wait() on.
func (iso *Isolator) Recover(ctx context.Context, checkpointed []isolator.CheckpointedExecutor) error {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	for _, c := range checkpointed {
		if c.Image != "" || !c.HasPID {
			continue // not this backend's executor
		}
		if unix.Kill(c.PID, 0) != nil {
			continue // already gone
		}
		iso.running[c.ExecutorID] = &entry{pid: c.PID}
	}
	return nil
}

func residentMemoryBytes(pid int) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	var kb int64
	for _, line := range splitLines(data) {
		if n, ok := parseVmRSS(line); ok {
			kb = n
			break
		}
	}
	return kb * 1024, nil
}

func splitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, string(data[start:i]))
			start = i + 1
		}
	}
	return lines
}

func parseVmRSS(line string) (int64, bool) {
	const prefix = "VmRSS:"
	if len(line) <= len(prefix) || line[:len(prefix)] != prefix {
		return 0, false
	}
	var n int64
	_, err := fmt.Sscanf(line[len(prefix):], "%d", &n)
	return n, err == nil
}
