// Package isolator defines the interface the core consumes to launch,
// constrain, and destroy executor processes, plus the two concrete
// backends (pkg/isolator/process, pkg/isolator/containerd) that implement
// it. Neither pkg/registry nor pkg/agent knows which backend is in play —
// both hold an Isolator behind this interface, letting a single agent
// run process-based and container-based executors side by side.
package isolator

import (
	"context"

	"github.com/cuemby/agentcore/pkg/types"
)

// TerminationReason distinguishes how an executor's termination future
// completed, since "terminated" is broader than "exited": it also covers
// container-level kills the reaper's PID-based observation cannot see
// directly.
type TerminationReason string

const (
	TerminationExited       TerminationReason = "exited"
	TerminationDestroyed    TerminationReason = "destroyed"
	TerminationLaunchFailed TerminationReason = "launch_failed"
)

// TerminationStatus is delivered on the channel LaunchExecutor returns when
// the isolator observes the executor has terminated.
type TerminationStatus struct {
	Reason   TerminationReason
	ExitCode int
	Known    bool // false when the backend cannot determine success/failure
	Err      error
}

// ResourceStatistics is the usage snapshot Usage reports, scoped to the
// flat Resources accounting this core implements.
type ResourceStatistics struct {
	CPUUsage    float64 // fraction of a core, sampled
	MemoryUsage int64   // bytes resident
	DiskUsage   int64   // bytes consumed in the sandbox
}

// CheckpointedExecutor is the subset of checkpoint.RecoveredRun an isolator
// backend needs to re-attach to a still-running executor across an agent
// restart.
type CheckpointedExecutor struct {
	ExecutorID    types.ExecutorID
	FrameworkID   types.FrameworkID
	ContainerUUID string
	SandboxDir    string
	PID           int
	HasPID        bool
	Image         string // non-empty selects the containerd backend on recover
}

// Isolator is the capability set the core requires from any executor
// launch backend: launch, update, usage, destroy, recover.
type Isolator interface {
	// LaunchExecutor starts ex in sandboxDir under fw with resources res,
	// returning its OS PID and a channel that receives exactly one
	// TerminationStatus when the isolator observes it has terminated. A
	// non-nil error means the launch itself failed — fatal for this
	// executor, synthesizing TASK_FAILED for its queued tasks.
	LaunchExecutor(ctx context.Context, fw types.FrameworkInfo, ex types.ExecutorInfo, sandboxDir string, res types.Resources) (pid int, termination <-chan TerminationStatus, err error)

	// Update changes the resource limits applied to a running executor.
	Update(ctx context.Context, executorID types.ExecutorID, res types.Resources) error

	// Usage reports a resource snapshot for monitoring.
	Usage(ctx context.Context, executorID types.ExecutorID) (ResourceStatistics, error)

	// Destroy forcibly terminates an executor. Idempotent: destroying an
	// executor that is already gone is not an error.
	Destroy(ctx context.Context, executorID types.ExecutorID) error

	// Recover re-attaches to executors found still running on disk at
	// agent startup, before any new launches are accepted.
	Recover(ctx context.Context, checkpointed []CheckpointedExecutor) error
}
