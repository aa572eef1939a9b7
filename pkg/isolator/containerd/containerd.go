// Package containerd implements pkg/isolator.Isolator on top of
// pkg/runtime's containerd wrapper. It is selected whenever an executor
// carries an image reference (types.ExecutorInfo.Image != ""): pull,
// create, start, then watch the task's own Wait() future for
// termination.
package containerd

import (
	"context"
	"fmt"
	"sync"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/agentcore/pkg/isolator"
	"github.com/cuemby/agentcore/pkg/log"
	"github.com/cuemby/agentcore/pkg/runtime"
	"github.com/cuemby/agentcore/pkg/types"
)

const stopGracePeriod = 10 * time.Second

type entry struct {
	containerID string
	pid         int
}

// Isolator launches executors as containerd containers.
type Isolator struct {
	rt *runtime.ContainerdRuntime

	mu      sync.Mutex
	running map[types.ExecutorID]*entry
}

// New wraps an already-connected containerd runtime client.
func New(rt *runtime.ContainerdRuntime) *Isolator {
	return &Isolator{rt: rt, running: make(map[types.ExecutorID]*entry)}
}

// LaunchExecutor pulls ex.Image if needed, creates a container bind-mounting
// sandboxDir at /sandbox, and starts it.
func (iso *Isolator) LaunchExecutor(ctx context.Context, fw types.FrameworkInfo, ex types.ExecutorInfo, sandboxDir string, res types.Resources) (int, <-chan isolator.TerminationStatus, error) {
	if ex.Image == "" {
		return 0, nil, fmt.Errorf("containerd isolator: executor %s has no image", ex.ID)
	}

	if err := iso.rt.PullImage(ctx, ex.Image); err != nil {
		return 0, nil, fmt.Errorf("launch executor %s: %w", ex.ID, err)
	}

	containerID := string(ex.FrameworkID) + "-" + string(ex.ID)
	spec := runtime.ContainerSpec{
		ID:    containerID,
		Image: ex.Image,
		Env:   append([]string{}, ex.Command.Env...),
		Mounts: []specs.Mount{{
			Destination: "/sandbox",
			Type:        "bind",
			Source:      sandboxDir,
			Options:     []string{"rbind", "rw"},
		}},
	}

	if _, err := iso.rt.CreateContainer(ctx, spec); err != nil {
		return 0, nil, fmt.Errorf("launch executor %s: %w", ex.ID, err)
	}

	pid, err := iso.rt.StartContainer(ctx, containerID)
	if err != nil {
		return 0, nil, fmt.Errorf("launch executor %s: %w", ex.ID, err)
	}

	iso.mu.Lock()
	iso.running[ex.ID] = &entry{containerID: containerID, pid: pid}
	iso.mu.Unlock()

	termination := make(chan isolator.TerminationStatus, 1)
	go iso.watch(ex.ID, containerID, termination)

	return pid, termination, nil
}

func (iso *Isolator) watch(executorID types.ExecutorID, containerID string, termination chan<- isolator.TerminationStatus) {
	code, err := iso.rt.Wait(context.Background(), containerID)

	iso.mu.Lock()
	delete(iso.running, executorID)
	iso.mu.Unlock()

	status := isolator.TerminationStatus{Reason: isolator.TerminationExited, Known: err == nil, ExitCode: int(code), Err: err}
	termination <- status
}

// Update is a no-op: resizing a running container's cgroup limits is not
// exercised by this core's flat Resources accounting.
func (iso *Isolator) Update(ctx context.Context, executorID types.ExecutorID, res types.Resources) error {
	return nil
}

// Usage reports task metrics from containerd.
func (iso *Isolator) Usage(ctx context.Context, executorID types.ExecutorID) (isolator.ResourceStatistics, error) {
	iso.mu.Lock()
	e, ok := iso.running[executorID]
	iso.mu.Unlock()
	if !ok {
		return isolator.ResourceStatistics{}, fmt.Errorf("containerd isolator: unknown executor %s", executorID)
	}

	_, mem, err := iso.rt.Metrics(ctx, e.containerID)
	if err != nil {
		logger := log.WithComponent("isolator.containerd")
		logger.Warn().Err(err).Str("container_id", e.containerID).Msg("read metrics")
		return isolator.ResourceStatistics{}, nil
	}
	return isolator.ResourceStatistics{MemoryUsage: int64(mem)}, nil
}

// Destroy stops and deletes the executor's container. Idempotent.
func (iso *Isolator) Destroy(ctx context.Context, executorID types.ExecutorID) error {
	iso.mu.Lock()
	e, ok := iso.running[executorID]
	iso.mu.Unlock()
	if !ok {
		return nil
	}

	if err := iso.rt.DeleteContainer(ctx, e.containerID); err != nil {
		return fmt.Errorf("destroy executor %s: %w", executorID, err)
	}
	return nil
}

// Recover re-attaches to containers the checkpoint store found still
// running. As with the process backend, termination detection for a
// recovered executor is the agent's job (reaper.Monitor on the recovered
// PID) since there is no caller-held termination channel to resume
// watching on across a restart.
func (iso *Isolator) Recover(ctx context.Context, checkpointed []isolator.CheckpointedExecutor) error {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	for _, c := range checkpointed {
		if c.Image == "" {
			continue // not this backend's executor
		}
		containerID := string(c.FrameworkID) + "-" + string(c.ExecutorID)
		if !iso.rt.IsRunning(ctx, containerID) {
			continue
		}
		iso.running[c.ExecutorID] = &entry{containerID: containerID, pid: c.PID}
	}
	return nil
}
