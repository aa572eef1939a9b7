package registry

import (
	"context"
	"sync"

	"github.com/cuemby/agentcore/pkg/isolator"
	"github.com/cuemby/agentcore/pkg/types"
)

// fakeIsolator is a minimal in-memory isolator.Isolator for registry tests:
// LaunchExecutor never fails and hands back a termination channel the test
// controls directly.
type fakeIsolator struct {
	mu           sync.Mutex
	nextPID      int
	terminations map[types.ExecutorID]chan isolator.TerminationStatus
	destroyed    map[types.ExecutorID]bool
	failLaunch   bool
}

func newFakeIsolator() *fakeIsolator {
	return &fakeIsolator{
		terminations: make(map[types.ExecutorID]chan isolator.TerminationStatus),
		destroyed:    make(map[types.ExecutorID]bool),
	}
}

func (f *fakeIsolator) LaunchExecutor(ctx context.Context, fw types.FrameworkInfo, ex types.ExecutorInfo, sandboxDir string, res types.Resources) (int, <-chan isolator.TerminationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLaunch {
		return 0, nil, assertionError("launch failed")
	}
	f.nextPID++
	ch := make(chan isolator.TerminationStatus, 1)
	f.terminations[ex.ID] = ch
	return f.nextPID, ch, nil
}

func (f *fakeIsolator) Update(ctx context.Context, executorID types.ExecutorID, res types.Resources) error {
	return nil
}

func (f *fakeIsolator) Usage(ctx context.Context, executorID types.ExecutorID) (isolator.ResourceStatistics, error) {
	return isolator.ResourceStatistics{}, nil
}

func (f *fakeIsolator) Destroy(ctx context.Context, executorID types.ExecutorID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed[executorID] = true
	if ch, ok := f.terminations[executorID]; ok {
		select {
		case ch <- isolator.TerminationStatus{Reason: isolator.TerminationDestroyed, Known: true}:
		default:
		}
	}
	return nil
}

func (f *fakeIsolator) Recover(ctx context.Context, checkpointed []isolator.CheckpointedExecutor) error {
	return nil
}

func (f *fakeIsolator) terminate(id types.ExecutorID, status isolator.TerminationStatus) {
	f.mu.Lock()
	ch := f.terminations[id]
	f.mu.Unlock()
	if ch != nil {
		ch <- status
	}
}

type assertionError string

func (e assertionError) Error() string { return string(e) }
