package statusupdate

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentcore/pkg/checkpoint"
	"github.com/cuemby/agentcore/pkg/transport"
	"github.com/cuemby/agentcore/pkg/transport/loopback"
	"github.com/cuemby/agentcore/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, *loopback.MasterPeer, *checkpoint.Store) {
	t.Helper()
	link, peer := loopback.NewMasterPair(8)
	store := checkpoint.New(t.TempDir(), "agent-1")
	m := New(store, link)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)

	return m, peer, store
}

func recvStatusUpdate(t *testing.T, peer *loopback.MasterPeer) types.StatusUpdate {
	t.Helper()
	select {
	case msg := <-peer.Recv():
		su, ok := msg.(transport.StatusUpdateMsg)
		require.True(t, ok)
		return su.Update
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status update")
		return types.StatusUpdate{}
	}
}

func TestForwardDeliversAndAcks(t *testing.T) {
	m, peer, _ := newTestManager(t)

	update := types.StatusUpdate{UUID: types.UpdateUUID(uuid.NewString()), FrameworkID: "fw1", TaskID: "t1", State: types.TaskRunning}
	acked := make(chan types.StatusUpdate, 1)
	m.Forward(t.TempDir(), update, AckTargetFunc(func(u types.StatusUpdate) { acked <- u }))

	got := recvStatusUpdate(t, peer)
	require.Equal(t, update.UUID, got.UUID)

	m.Ack(update.FrameworkID, update.TaskID, update.UUID)

	select {
	case u := <-acked:
		require.Equal(t, update.UUID, u.UUID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack callback")
	}
}

func TestDuplicateUpdateIsDropped(t *testing.T) {
	m, peer, _ := newTestManager(t)

	update := types.StatusUpdate{UUID: types.UpdateUUID(uuid.NewString()), FrameworkID: "fw1", TaskID: "t1", State: types.TaskRunning}
	m.Forward(t.TempDir(), update, nil)
	recvStatusUpdate(t, peer)

	// Resend the same UUID before it's acked; must not produce a second
	// forward on the wire.
	m.Forward(t.TempDir(), update, nil)

	select {
	case <-peer.Recv():
		t.Fatal("duplicate update was forwarded a second time")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQueuedUpdateWaitsForPredecessorAck(t *testing.T) {
	m, peer, _ := newTestManager(t)
	runDir := t.TempDir()

	first := types.StatusUpdate{UUID: types.UpdateUUID(uuid.NewString()), FrameworkID: "fw1", TaskID: "t1", State: types.TaskRunning}
	second := types.StatusUpdate{UUID: types.UpdateUUID(uuid.NewString()), FrameworkID: "fw1", TaskID: "t1", State: types.TaskFinished}

	m.Forward(runDir, first, nil)
	recvStatusUpdate(t, peer)

	m.Forward(runDir, second, nil)

	select {
	case <-peer.Recv():
		t.Fatal("second update was forwarded before the first was acked")
	case <-time.After(100 * time.Millisecond):
	}

	m.Ack(first.FrameworkID, first.TaskID, first.UUID)

	got := recvStatusUpdate(t, peer)
	require.Equal(t, second.UUID, got.UUID)
}

func TestUpdateAfterTerminalAckIsDropped(t *testing.T) {
	m, peer, _ := newTestManager(t)
	runDir := t.TempDir()

	terminal := types.StatusUpdate{UUID: types.UpdateUUID(uuid.NewString()), FrameworkID: "fw1", TaskID: "t1", State: types.TaskFinished}
	m.Forward(runDir, terminal, nil)
	recvStatusUpdate(t, peer)
	m.Ack(terminal.FrameworkID, terminal.TaskID, terminal.UUID)

	// A late or resent update for the same task-ID, arriving after its
	// stream already closed on a terminal ack, must be dropped rather than
	// treated as a fresh stream and forwarded to the master.
	late := types.StatusUpdate{UUID: types.UpdateUUID(uuid.NewString()), FrameworkID: "fw1", TaskID: "t1", State: types.TaskFinished}
	m.Forward(runDir, late, nil)

	select {
	case <-peer.Recv():
		t.Fatal("update for a closed stream was forwarded")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRetransmitOnTimeout(t *testing.T) {
	// initialBackoff is 1s, inside recvStatusUpdate's 2s wait, so an
	// unacked update is resent once within the window.
	m, peer, _ := newTestManager(t)
	update := types.StatusUpdate{UUID: types.UpdateUUID(uuid.NewString()), FrameworkID: "fw1", TaskID: "t1", State: types.TaskRunning}
	m.Forward(t.TempDir(), update, nil)

	first := recvStatusUpdate(t, peer)
	require.Equal(t, update.UUID, first.UUID)

	second := recvStatusUpdate(t, peer)
	require.Equal(t, update.UUID, second.UUID)
}

func TestTerminateStreamSynthesizesTaskLost(t *testing.T) {
	m, peer, _ := newTestManager(t)
	m.TerminateStream(t.TempDir(), "fw1", "t1", false, 0)

	got := recvStatusUpdate(t, peer)
	require.Equal(t, types.TaskLost, got.State)
}

func TestTerminateStreamSynthesizesTaskFailedOnNonZeroExit(t *testing.T) {
	m, peer, _ := newTestManager(t)
	m.TerminateStream(t.TempDir(), "fw1", "t1", true, 1)

	got := recvStatusUpdate(t, peer)
	require.Equal(t, types.TaskFailed, got.State)
}

func TestRecoverReplaysUnackedTail(t *testing.T) {
	link, peer := loopback.NewMasterPair(8)
	store := checkpoint.New(t.TempDir(), "agent-1")
	runDir := t.TempDir()

	acked := types.StatusUpdate{UUID: types.UpdateUUID(uuid.NewString()), FrameworkID: "fw1", TaskID: "t1", State: types.TaskStarting}
	pending := types.StatusUpdate{UUID: types.UpdateUUID(uuid.NewString()), FrameworkID: "fw1", TaskID: "t1", State: types.TaskRunning}
	require.NoError(t, store.AppendUpdate(runDir, acked))
	require.NoError(t, store.AppendAck(runDir, "t1", acked.UUID))
	require.NoError(t, store.AppendUpdate(runDir, pending))

	entries, err := store.ReadUpdateLog(runDir, "t1")
	require.NoError(t, err)
	task := checkpoint.RecoveredTask{AckedUUIDs: map[types.UpdateUUID]struct{}{}}
	for _, e := range entries {
		switch {
		case e.Update != nil:
			task.Updates = append(task.Updates, *e.Update)
		case e.AckUUID != "":
			task.AckedUUIDs[e.AckUUID] = struct{}{}
		}
	}

	m := New(store, link)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)

	m.Recover(runDir, task)

	got := recvStatusUpdate(t, peer)
	require.Equal(t, pending.UUID, got.UUID)
}
