package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentcore/pkg/checkpoint"
	"github.com/cuemby/agentcore/pkg/config"
	"github.com/cuemby/agentcore/pkg/isolator"
	"github.com/cuemby/agentcore/pkg/statusupdate"
	"github.com/cuemby/agentcore/pkg/transport/loopback"
	"github.com/cuemby/agentcore/pkg/types"
)

// fakeStatusUpdates records Forward/TerminateStream calls instead of
// running the full statusupdate.Manager actor, so registry tests can
// assert on synthesized updates without a master-link round trip.
type fakeStatusUpdates struct {
	mu        sync.Mutex
	forwarded []types.StatusUpdate
	terminal  []types.StatusUpdate
}

func (f *fakeStatusUpdates) Forward(runDir string, update types.StatusUpdate, ack statusupdate.AckTarget) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarded = append(f.forwarded, update)
}

func (f *fakeStatusUpdates) TerminateStream(runDir string, framework types.FrameworkID, task types.TaskID, exitKnown bool, exitCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := types.TaskLost
	if exitKnown && exitCode != 0 {
		state = types.TaskFailed
	}
	f.terminal = append(f.terminal, types.StatusUpdate{FrameworkID: framework, TaskID: task, State: state})
}

func (f *fakeStatusUpdates) snapshot() (forwarded, terminal []types.StatusUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.StatusUpdate{}, f.forwarded...), append([]types.StatusUpdate{}, f.terminal...)
}

func newTestRegistry(t *testing.T) (*Registry, *fakeIsolator, *fakeStatusUpdates, *loopback.ExecutorLink) {
	t.Helper()
	iso := newFakeIsolator()
	store := checkpoint.New(t.TempDir(), "agent-1")
	su := &fakeStatusUpdates{}
	link := loopback.NewExecutorLink(8)

	cfg := config.Default()
	cfg.ExecutorShutdownGracePeriod = 50 * time.Millisecond

	r := &Registry{
		mailbox:     make(chan any, 64),
		isolator:    iso,
		store:       store,
		statusUpd:   su,
		executorLnk: link,
		cfg:         cfg,
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)

	return r, iso, su, link
}

func TestRunTaskLaunchesExecutorAndDispatchesOnRegistration(t *testing.T) {
	r, _, _, link := newTestRegistry(t)

	task := types.TaskInfo{ID: "t1", FrameworkID: "fw1", Command: &types.CommandInfo{Value: "echo hi"}}
	r.RunTask(types.FrameworkInfo{ID: "fw1"}, task)

	// The executor-ID for a command executor equals the task-ID.
	peer := link.Connect(types.ExecutorID("t1"))
	r.ExecutorRegistered("fw1", "t1", 4242)

	select {
	case msg := <-peer.Recv():
		require.NotNil(t, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task dispatch to executor")
	}
}

func TestKillQueuedTaskSynthesizesTaskKilled(t *testing.T) {
	r, _, su, _ := newTestRegistry(t)

	task := types.TaskInfo{ID: "t1", FrameworkID: "fw1", Command: &types.CommandInfo{Value: "sleep 100"}}
	r.RunTask(types.FrameworkInfo{ID: "fw1"}, task)
	r.KillTask("fw1", "t1")

	require.Eventually(t, func() bool {
		_, terminal := su.snapshot()
		for _, u := range terminal {
			if u.State == types.TaskKilled {
				return true
			}
		}
		forwarded, _ := su.snapshot()
		for _, u := range forwarded {
			if u.State == types.TaskKilled {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLaunchFailureSynthesizesTaskFailed(t *testing.T) {
	r, iso, su, _ := newTestRegistry(t)
	iso.failLaunch = true

	task := types.TaskInfo{ID: "t1", FrameworkID: "fw1", Command: &types.CommandInfo{Value: "sleep 100"}}
	r.RunTask(types.FrameworkInfo{ID: "fw1"}, task)

	require.Eventually(t, func() bool {
		forwarded, _ := su.snapshot()
		for _, u := range forwarded {
			if u.State == types.TaskFailed {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecutorTerminatedWithNonZeroExitSynthesizesFailedForNonTerminalTasks(t *testing.T) {
	r, iso, su, link := newTestRegistry(t)

	task := types.TaskInfo{ID: "t1", FrameworkID: "fw1", Command: &types.CommandInfo{Value: "sleep 100"}}
	r.RunTask(types.FrameworkInfo{ID: "fw1"}, task)
	peer := link.Connect(types.ExecutorID("t1"))
	r.ExecutorRegistered("fw1", "t1", 4242)

	select {
	case <-peer.Recv():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queued task dispatch")
	}

	iso.terminate("t1", isolator.TerminationStatus{Reason: isolator.TerminationExited, Known: true, ExitCode: 1})

	require.Eventually(t, func() bool {
		_, terminal := su.snapshot()
		for _, u := range terminal {
			if u.TaskID == "t1" && u.State == types.TaskFailed {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRestoreRehydratesRecoveredExecutorAndInventory(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)

	r.Restore([]RestoredExecutor{
		{
			Framework: types.FrameworkInfo{ID: "fw1", Name: "fw"},
			Executor:  types.ExecutorInfo{ID: "ex1", FrameworkID: "fw1"},
			PID:       4242,
			HasPID:    true,
			Tasks: []types.Task{
				{ID: "t1", ExecutorID: "ex1", FrameworkID: "fw1", State: types.TaskRunning},
			},
		},
	})

	require.True(t, r.HasRecoveredExecutor("fw1", "ex1"))
	require.False(t, r.HasRecoveredExecutor("fw1", "ex-unknown"))
	require.False(t, r.HasRecoveredExecutor("fw-unknown", "ex1"))

	executors, tasks := r.Inventory()
	require.Len(t, executors, 1)
	require.Equal(t, types.ExecutorID("ex1"), executors[0].ID)
	require.Len(t, tasks, 1)
	require.Equal(t, types.TaskID("t1"), tasks[0].ID)
}

func TestExecutorReregisteredTransitionsOutOfRecoveredAndDispatchesQueuedWork(t *testing.T) {
	r, _, _, link := newTestRegistry(t)

	r.Restore([]RestoredExecutor{
		{
			Framework: types.FrameworkInfo{ID: "fw1"},
			Executor:  types.ExecutorInfo{ID: "ex1", FrameworkID: "fw1"},
			PID:       4242,
			HasPID:    true,
		},
	})
	require.True(t, r.HasRecoveredExecutor("fw1", "ex1"))

	peer := link.Connect(types.ExecutorID("ex1"))

	// A task arriving for a recovered (not-yet-reregistered) executor
	// queues rather than dispatches.
	r.RunTask(types.FrameworkInfo{ID: "fw1"}, types.TaskInfo{ID: "t1", FrameworkID: "fw1", Executor: &types.ExecutorInfo{ID: "ex1", FrameworkID: "fw1"}})

	r.ExecutorReregistered("fw1", "ex1", 4242)
	require.False(t, r.HasRecoveredExecutor("fw1", "ex1"))

	select {
	case <-peer.Recv():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queued task dispatch after reregistration")
	}
}

func TestArmFailoverTimerShutsDownFrameworkAfterTimeout(t *testing.T) {
	r, iso, _, link := newTestRegistry(t)

	task := types.TaskInfo{ID: "t1", FrameworkID: "fw1", Command: &types.CommandInfo{Value: "sleep 100"}}
	r.RunTask(types.FrameworkInfo{ID: "fw1"}, task)
	peer := link.Connect(types.ExecutorID("t1"))
	r.ExecutorRegistered("fw1", "t1", 4242)
	select {
	case <-peer.Recv():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial dispatch")
	}

	r.ArmFailoverTimer("fw1", 30*time.Millisecond)

	select {
	case <-peer.Recv():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for shutdown triggered by failover timeout")
	}

	require.Eventually(t, func() bool {
		iso.mu.Lock()
		defer iso.mu.Unlock()
		return iso.destroyed["t1"]
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisarmFailoverTimerPreventsShutdown(t *testing.T) {
	r, _, _, link := newTestRegistry(t)

	task := types.TaskInfo{ID: "t1", FrameworkID: "fw1", Command: &types.CommandInfo{Value: "sleep 100"}}
	r.RunTask(types.FrameworkInfo{ID: "fw1"}, task)
	peer := link.Connect(types.ExecutorID("t1"))
	r.ExecutorRegistered("fw1", "t1", 4242)
	select {
	case <-peer.Recv():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial dispatch")
	}

	r.ArmFailoverTimer("fw1", 30*time.Millisecond)
	r.DisarmFailoverTimer("fw1")

	select {
	case <-peer.Recv():
		t.Fatal("unexpected shutdown message after disarming the failover timer")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestShutdownExecutorDestroysAfterGracePeriod(t *testing.T) {
	r, iso, _, link := newTestRegistry(t)

	task := types.TaskInfo{ID: "t1", FrameworkID: "fw1", Command: &types.CommandInfo{Value: "sleep 100"}}
	r.RunTask(types.FrameworkInfo{ID: "fw1"}, task)
	peer := link.Connect(types.ExecutorID("t1"))
	r.ExecutorRegistered("fw1", "t1", 4242)

	r.ShutdownExecutor("fw1", "t1")

	select {
	case <-peer.Recv():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for shutdown message")
	}

	require.Eventually(t, func() bool {
		iso.mu.Lock()
		defer iso.mu.Unlock()
		return iso.destroyed["t1"]
	}, 2*time.Second, 10*time.Millisecond)
}
