package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/agentcore/pkg/isolator"
	"github.com/cuemby/agentcore/pkg/types"
)

// dualIsolator routes each executor to the process or containerd backend
// based on whether its ExecutorInfo carries an image reference, so a single
// agent can run command executors as plain processes while still launching
// image-carrying ones through containerd. Neither backend alone knows about
// the other; this is pure dispatch, with no launch logic of its own.
type dualIsolator struct {
	process   isolator.Isolator
	container isolator.Isolator

	mu      sync.Mutex
	backend map[types.ExecutorID]isolator.Isolator
}

func newDualIsolator(process, container isolator.Isolator) *dualIsolator {
	return &dualIsolator{
		process:   process,
		container: container,
		backend:   make(map[types.ExecutorID]isolator.Isolator),
	}
}

func (d *dualIsolator) pick(ex types.ExecutorInfo) isolator.Isolator {
	if ex.Image != "" {
		return d.container
	}
	return d.process
}

func (d *dualIsolator) route(id types.ExecutorID) (isolator.Isolator, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.backend[id]
	if !ok {
		return nil, fmt.Errorf("dual isolator: unknown executor %s", id)
	}
	return b, nil
}

func (d *dualIsolator) LaunchExecutor(ctx context.Context, fw types.FrameworkInfo, ex types.ExecutorInfo, sandboxDir string, res types.Resources) (int, <-chan isolator.TerminationStatus, error) {
	backend := d.pick(ex)
	pid, termination, err := backend.LaunchExecutor(ctx, fw, ex, sandboxDir, res)
	if err != nil {
		return 0, nil, err
	}
	d.mu.Lock()
	d.backend[ex.ID] = backend
	d.mu.Unlock()
	return pid, termination, nil
}

func (d *dualIsolator) Update(ctx context.Context, executorID types.ExecutorID, res types.Resources) error {
	backend, err := d.route(executorID)
	if err != nil {
		return err
	}
	return backend.Update(ctx, executorID, res)
}

func (d *dualIsolator) Usage(ctx context.Context, executorID types.ExecutorID) (isolator.ResourceStatistics, error) {
	backend, err := d.route(executorID)
	if err != nil {
		return isolator.ResourceStatistics{}, err
	}
	return backend.Usage(ctx, executorID)
}

func (d *dualIsolator) Destroy(ctx context.Context, executorID types.ExecutorID) error {
	backend, err := d.route(executorID)
	if err != nil {
		return nil // already unknown to either backend; idempotent per the interface contract
	}
	return backend.Destroy(ctx, executorID)
}

// Recover hands each checkpointed executor to the backend that owns its
// kind (Image != "" for containerd, empty for process), mirroring both
// backends' own Recover implementations, and records the routing so
// Update/Usage/Destroy work on recovered executors too.
func (d *dualIsolator) Recover(ctx context.Context, checkpointed []isolator.CheckpointedExecutor) error {
	var procSet, cntrSet []isolator.CheckpointedExecutor
	for _, c := range checkpointed {
		if c.Image != "" {
			cntrSet = append(cntrSet, c)
		} else {
			procSet = append(procSet, c)
		}
	}

	if err := d.process.Recover(ctx, procSet); err != nil {
		return err
	}
	if err := d.container.Recover(ctx, cntrSet); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range procSet {
		d.backend[c.ExecutorID] = d.process
	}
	for _, c := range cntrSet {
		d.backend[c.ExecutorID] = d.container
	}
	return nil
}
