package agent

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentcore/pkg/checkpoint"
	"github.com/cuemby/agentcore/pkg/config"
	"github.com/cuemby/agentcore/pkg/isolator"
	"github.com/cuemby/agentcore/pkg/reaper"
	"github.com/cuemby/agentcore/pkg/registry"
	"github.com/cuemby/agentcore/pkg/statusupdate"
	"github.com/cuemby/agentcore/pkg/transport"
	"github.com/cuemby/agentcore/pkg/transport/loopback"
	"github.com/cuemby/agentcore/pkg/types"
)

type nopIsolator struct{}

func (nopIsolator) LaunchExecutor(ctx context.Context, fw types.FrameworkInfo, ex types.ExecutorInfo, sandboxDir string, res types.Resources) (int, <-chan isolator.TerminationStatus, error) {
	ch := make(chan isolator.TerminationStatus, 1)
	return 1, ch, nil
}
func (nopIsolator) Update(ctx context.Context, executorID types.ExecutorID, res types.Resources) error {
	return nil
}
func (nopIsolator) Usage(ctx context.Context, executorID types.ExecutorID) (isolator.ResourceStatistics, error) {
	return isolator.ResourceStatistics{}, nil
}
func (nopIsolator) Destroy(ctx context.Context, executorID types.ExecutorID) error { return nil }
func (nopIsolator) Recover(ctx context.Context, checkpointed []isolator.CheckpointedExecutor) error {
	return nil
}

type testRig struct {
	agent        *Agent
	masterPeer   *loopback.MasterPeer
	executorLink *loopback.ExecutorLink
	store        *checkpoint.Store
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	store := checkpoint.New(t.TempDir(), "")
	masterLink, masterPeer := loopback.NewMasterPair(8)
	executorLink := loopback.NewExecutorLink(8)
	su := statusupdate.New(store, masterLink)
	reg := registry.New(nopIsolator{}, store, su, executorLink, config.Default())
	rp := reaper.New()

	cfg := config.Default()
	cfg.ExecutorShutdownGracePeriod = 20 * time.Millisecond
	cfg.ExecutorReregisterTimeout = 50 * time.Millisecond

	a := New(masterLink, executorLink, reg, su, store, nopIsolator{}, rp, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go reg.Run(ctx)
	go su.Run(ctx)
	go rp.Run(ctx)

	return &testRig{agent: a, masterPeer: masterPeer, executorLink: executorLink, store: store}
}

func (r *testRig) start(t *testing.T, agentID types.AgentID) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.agent.Run(ctx, agentID, "host-1", nil)
}

func TestColdStartRegistersAndReceivesAgentID(t *testing.T) {
	rig := newTestRig(t)
	rig.start(t, "")

	rig.agent.NewMasterDetected()

	var reg transport.Register
	select {
	case msg := <-rig.masterPeer.Recv():
		var ok bool
		reg, ok = msg.(transport.Register)
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Register")
	}
	require.Empty(t, reg.AgentInfo.ID)

	require.NoError(t, rig.masterPeer.Send(context.Background(), transport.Registered{AgentID: "agent-1"}))

	// A RunTask arriving after registration should launch an executor
	// through the isolator without the agent crashing or blocking; the
	// launch itself is covered at the registry layer, so here it is enough
	// that the send does not error and a further Register is never reissued.
	require.NoError(t, rig.masterPeer.Send(context.Background(), transport.RunTask{
		FrameworkInfo: types.FrameworkInfo{ID: "fw1"},
		Task:          types.TaskInfo{ID: "t1", FrameworkID: "fw1", Command: &types.CommandInfo{Value: "sleep 1"}},
	}))

	select {
	case msg := <-rig.masterPeer.Recv():
		t.Fatalf("unexpected message from agent after steady-state registration: %#v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestReregistrationUsesExistingAgentID(t *testing.T) {
	rig := newTestRig(t)
	rig.start(t, "agent-existing")

	rig.agent.NewMasterDetected()

	select {
	case msg := <-rig.masterPeer.Recv():
		rereg, ok := msg.(transport.Reregister)
		require.True(t, ok)
		require.Equal(t, types.AgentID("agent-existing"), rereg.AgentInfo.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Reregister")
	}
}

func TestRegistrationRetriesWithBackoffUntilAcked(t *testing.T) {
	rig := newTestRig(t)
	rig.start(t, "")

	rig.agent.NewMasterDetected()

	// Drain at least two Register sends before acking, proving the retry
	// timer re-fires.
	for i := 0; i < 2; i++ {
		select {
		case <-rig.masterPeer.Recv():
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for register attempt %d", i)
		}
	}

	require.NoError(t, rig.masterPeer.Send(context.Background(), transport.Registered{AgentID: "agent-9"}))
}

func TestNoMasterDetectedReturnsToDisconnected(t *testing.T) {
	rig := newTestRig(t)
	rig.start(t, "")

	rig.agent.NewMasterDetected()
	<-rig.masterPeer.Recv()

	rig.agent.NoMasterDetected()

	// A fresh detection after disconnecting should restart the handshake
	// from scratch.
	rig.agent.NewMasterDetected()
	select {
	case msg := <-rig.masterPeer.Recv():
		_, ok := msg.(transport.Register)
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fresh Register after reconnect")
	}
}

func TestColdStartRecoveryIsANoopOnEmptyWorkDir(t *testing.T) {
	store := checkpoint.New(t.TempDir(), "")
	masterLink, _ := loopback.NewMasterPair(8)
	executorLink := loopback.NewExecutorLink(8)
	su := statusupdate.New(store, masterLink)
	reg := registry.New(nopIsolator{}, store, su, executorLink, config.Default())
	rp := reaper.New()

	a := New(masterLink, executorLink, reg, su, store, nopIsolator{}, rp, config.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)
	go su.Run(ctx)
	go rp.Run(ctx)

	id, err := a.Recover(ctx)
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestRecoveryRestoresExecutorAndTasksFromCheckpoint(t *testing.T) {
	workDir := t.TempDir()
	store := checkpoint.New(workDir, "agent-1")

	require.NoError(t, store.WriteAgentInfo(types.AgentInfo{ID: "agent-1", Hostname: "host-1"}))
	require.NoError(t, store.WriteFrameworkInfo(types.FrameworkInfo{ID: "fw1", Name: "fw"}))

	exInfo := types.ExecutorInfo{ID: "ex1", FrameworkID: "fw1", Name: "executor"}
	runDir := store.RunDir("fw1", "ex1", "run-1")
	require.NoError(t, store.WriteExecutorInfo(runDir, exInfo))
	require.NoError(t, store.WritePID(runDir, 99999))

	task := types.TaskInfo{ID: "t1", FrameworkID: "fw1"}
	require.NoError(t, store.WriteTaskInfo(runDir, task))
	require.NoError(t, store.AppendUpdate(runDir, types.StatusUpdate{
		UUID: "u1", FrameworkID: "fw1", ExecutorID: "ex1", TaskID: "t1", State: types.TaskRunning,
	}))

	masterLink, _ := loopback.NewMasterPair(8)
	executorLink := loopback.NewExecutorLink(8)
	su := statusupdate.New(store, masterLink)
	reg := registry.New(nopIsolator{}, store, su, executorLink, config.Default())
	rp := reaper.New()

	cfg := config.Default()
	cfg.Recover.Reconnect = true
	cfg.ExecutorReregisterTimeout = 30 * time.Millisecond

	a := New(masterLink, executorLink, reg, su, store, nopIsolator{}, rp, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)
	go su.Run(ctx)
	go rp.Run(ctx)

	id, err := a.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, types.AgentID("agent-1"), id)

	require.True(t, reg.HasRecoveredExecutor("fw1", "ex1"))
}

func TestReconnectTimeoutForcesShutdownOfUnreclaimedExecutor(t *testing.T) {
	workDir := t.TempDir()
	store := checkpoint.New(workDir, "agent-1")
	require.NoError(t, store.WriteAgentInfo(types.AgentInfo{ID: "agent-1"}))
	require.NoError(t, store.WriteFrameworkInfo(types.FrameworkInfo{ID: "fw1"}))

	exInfo := types.ExecutorInfo{ID: "ex1", FrameworkID: "fw1"}
	runDir := store.RunDir("fw1", "ex1", "run-1")
	require.NoError(t, store.WriteExecutorInfo(runDir, exInfo))
	require.NoError(t, store.WritePID(runDir, 99999))

	destroyed := &destroyRecorder{}
	iso := &recordingIsolator{destroyed: destroyed}

	cfg := config.Default()
	cfg.Recover.Reconnect = true
	cfg.ExecutorReregisterTimeout = 20 * time.Millisecond
	cfg.ExecutorShutdownGracePeriod = 20 * time.Millisecond

	executorLink := loopback.NewExecutorLink(8)
	reg := registry.New(iso, store, nil, executorLink, cfg)
	masterLink, _ := loopback.NewMasterPair(8)
	su := statusupdate.New(store, masterLink)
	rp := reaper.New()

	a := New(masterLink, executorLink, reg, su, store, iso, rp, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)
	go su.Run(ctx)
	go rp.Run(ctx)

	_, err := a.Recover(ctx)
	require.NoError(t, err)

	go a.Run(ctx, "agent-1", "host-1", nil)
	executorLink.Connect(types.ExecutorID("ex1"))

	require.Eventually(t, func() bool {
		return destroyed.has("ex1")
	}, 3*time.Second, 10*time.Millisecond)
}

// TestReregisterBeforeTimeoutPreservesSandbox proves that an executor which
// reregisters before its ExecutorReregisterTimeout fires is not destroyed
// and, per config.RecoverPolicy.Cleanup's documented contract, has its
// sandbox directory left alone rather than removed by the timer that was
// armed to force-shutdown it had it stayed silent.
func TestReregisterBeforeTimeoutPreservesSandbox(t *testing.T) {
	workDir := t.TempDir()
	store := checkpoint.New(workDir, "agent-1")
	require.NoError(t, store.WriteAgentInfo(types.AgentInfo{ID: "agent-1"}))
	require.NoError(t, store.WriteFrameworkInfo(types.FrameworkInfo{ID: "fw1"}))

	exInfo := types.ExecutorInfo{ID: "ex1", FrameworkID: "fw1"}
	runDir := store.RunDir("fw1", "ex1", "run-1")
	require.NoError(t, store.WriteExecutorInfo(runDir, exInfo))
	require.NoError(t, store.WritePID(runDir, 99999))

	destroyed := &destroyRecorder{}
	iso := &recordingIsolator{destroyed: destroyed}

	executorLink := loopback.NewExecutorLink(8)
	reg := registry.New(iso, store, nil, executorLink, config.Default())
	masterLink, _ := loopback.NewMasterPair(8)
	su := statusupdate.New(store, masterLink)
	rp := reaper.New()

	cfg := config.Default()
	cfg.Recover.Reconnect = true
	cfg.Recover.Cleanup = true
	cfg.ExecutorReregisterTimeout = 50 * time.Millisecond
	cfg.ExecutorShutdownGracePeriod = 10 * time.Millisecond

	a := New(masterLink, executorLink, reg, su, store, iso, rp, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)
	go su.Run(ctx)
	go rp.Run(ctx)

	_, err := a.Recover(ctx)
	require.NoError(t, err)

	go a.Run(ctx, "agent-1", "host-1", nil)

	peer := executorLink.Connect(types.ExecutorID("ex1"))
	require.NoError(t, peer.Send(ctx, transport.ReregisterExecutor{
		FrameworkID: "fw1",
		ExecutorID:  "ex1",
		PID:         99999,
	}))

	require.Eventually(t, func() bool {
		return reg.HasRecoveredExecutor("fw1", "ex1") == false
	}, 2*time.Second, 5*time.Millisecond, "executor never left recovered state on reregister")

	// Give the reregister-timeout timer, which was already armed before the
	// reregister arrived, time to fire and run its mailbox handler.
	time.Sleep(300 * time.Millisecond)

	require.False(t, destroyed.has("ex1"))
	_, err = os.Stat(runDir)
	require.NoError(t, err, "sandbox directory for a reregistered executor must survive its reregister-timeout timer")
}

type destroyRecorder struct {
	mu  sync.Mutex
	ids map[types.ExecutorID]bool
}

func (d *destroyRecorder) mark(id types.ExecutorID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ids == nil {
		d.ids = make(map[types.ExecutorID]bool)
	}
	d.ids[id] = true
}

func (d *destroyRecorder) has(id types.ExecutorID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ids[id]
}

type recordingIsolator struct {
	nopIsolator
	destroyed *destroyRecorder
}

func (r *recordingIsolator) Destroy(ctx context.Context, executorID types.ExecutorID) error {
	r.destroyed.mark(executorID)
	return nil
}

// launchRecorder records every LaunchExecutor call it receives.
type launchRecorder struct {
	nopIsolator
	mu  sync.Mutex
	ids []types.ExecutorID
}

func (l *launchRecorder) LaunchExecutor(ctx context.Context, fw types.FrameworkInfo, ex types.ExecutorInfo, sandboxDir string, res types.Resources) (int, <-chan isolator.TerminationStatus, error) {
	l.mu.Lock()
	l.ids = append(l.ids, ex.ID)
	l.mu.Unlock()
	ch := make(chan isolator.TerminationStatus, 1)
	return 1, ch, nil
}

func (l *launchRecorder) has(id types.ExecutorID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.ids {
		if got == id {
			return true
		}
	}
	return false
}

// TestMasterMessageDuringOutstandingPingIsNotLost proves that a RunTask
// arriving while a ping round is outstanding still reaches the registry.
// Before the ping liveness check was rewritten to post its result back
// through the mailbox instead of reading masterLink.Recv() inline, a
// message arriving in that window was silently dropped rather than merely
// delayed.
func TestMasterMessageDuringOutstandingPingIsNotLost(t *testing.T) {
	store := checkpoint.New(t.TempDir(), "")
	masterLink, masterPeer := loopback.NewMasterPair(8)
	executorLink := loopback.NewExecutorLink(8)
	su := statusupdate.New(store, masterLink)
	iso := &launchRecorder{}
	reg := registry.New(iso, store, su, executorLink, config.Default())
	rp := reaper.New()

	cfg := config.Default()
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PingTimeout = 2 * time.Second

	a := New(masterLink, executorLink, reg, su, store, iso, rp, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)
	go su.Run(ctx)
	go rp.Run(ctx)
	go a.Run(ctx, "", "host-1", nil)

	a.NewMasterDetected()

	select {
	case msg := <-masterPeer.Recv():
		_, ok := msg.(transport.Register)
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Register")
	}
	require.NoError(t, masterPeer.Send(context.Background(), transport.Registered{AgentID: "agent-1"}))

	// Wait for the first ping round to start; do not answer it yet, so
	// the RunTask below arrives while a ping is still outstanding.
	select {
	case msg := <-masterPeer.Recv():
		_, ok := msg.(transport.Ping)
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Ping")
	}

	require.NoError(t, masterPeer.Send(context.Background(), transport.RunTask{
		FrameworkInfo: types.FrameworkInfo{ID: "fw1"},
		Task:          types.TaskInfo{ID: "t1", FrameworkID: "fw1", Command: &types.CommandInfo{Value: "sleep 1"}},
	}))

	require.Eventually(t, func() bool {
		return iso.has("t1")
	}, 3*time.Second, 10*time.Millisecond, "RunTask sent during an outstanding ping round was never delivered")
}
