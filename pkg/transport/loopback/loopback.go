// Package loopback provides an in-memory MasterLink and ExecutorLink pair
// backed by buffered channels. It is test and local-development scaffolding
// only — not a production transport, since wire framing is out of scope for
// this core — but it lets pkg/agent's tests and cmd/agent's "-local"
// development mode drive the full actor without a real network.
package loopback

import (
	"context"
	"fmt"

	"github.com/cuemby/agentcore/pkg/transport"
	"github.com/cuemby/agentcore/pkg/types"
)

// MasterLink is an in-process transport.MasterLink. Messages sent with Send
// land on the paired MasterPeer's Recv channel, and vice versa.
type MasterLink struct {
	out chan any
	in  chan any
}

// NewMasterPair returns two ends of a loopback master link: the agent's
// view and a bare channel-pair handle a test or dev driver uses to stand in
// for the master.
func NewMasterPair(buffer int) (*MasterLink, *MasterPeer) {
	agentToMaster := make(chan any, buffer)
	masterToAgent := make(chan any, buffer)
	return &MasterLink{out: agentToMaster, in: masterToAgent},
		&MasterPeer{fromAgent: agentToMaster, toAgent: masterToAgent}
}

func (l *MasterLink) Send(ctx context.Context, msg any) error {
	select {
	case l.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *MasterLink) Recv() <-chan any {
	return l.in
}

// MasterPeer is the master-side handle to a loopback link, used by tests to
// play the role of the master.
type MasterPeer struct {
	fromAgent chan any
	toAgent   chan any
}

func (p *MasterPeer) Recv() <-chan any { return p.fromAgent }

func (p *MasterPeer) Send(ctx context.Context, msg any) error {
	select {
	case p.toAgent <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecutorLink is an in-process transport.ExecutorLink multiplexing many
// simulated executor processes onto one channel pair per executor-ID.
type ExecutorLink struct {
	buffer   int
	toExec   map[types.ExecutorID]chan any
	fromExec chan transport.ExecutorMessage
}

// NewExecutorLink creates an empty multiplexed loopback executor link.
func NewExecutorLink(buffer int) *ExecutorLink {
	return &ExecutorLink{
		buffer:   buffer,
		toExec:   make(map[types.ExecutorID]chan any),
		fromExec: make(chan transport.ExecutorMessage, buffer),
	}
}

// Connect registers executorID and returns the peer handle a simulated
// executor process uses to receive agent-sent messages and to send its own.
func (l *ExecutorLink) Connect(executorID types.ExecutorID) *ExecutorPeer {
	ch := make(chan any, l.buffer)
	l.toExec[executorID] = ch
	return &ExecutorPeer{executorID: executorID, in: ch, out: l.fromExec}
}

func (l *ExecutorLink) Send(ctx context.Context, executorID types.ExecutorID, msg any) error {
	ch, ok := l.toExec[executorID]
	if !ok {
		return fmt.Errorf("loopback: no connected executor %s", executorID)
	}
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *ExecutorLink) Recv() <-chan transport.ExecutorMessage {
	return l.fromExec
}

// ExecutorPeer is the executor-process-side handle to a loopback link.
type ExecutorPeer struct {
	executorID types.ExecutorID
	in         chan any
	out        chan transport.ExecutorMessage
}

func (p *ExecutorPeer) Recv() <-chan any { return p.in }

func (p *ExecutorPeer) Send(ctx context.Context, msg any) error {
	select {
	case p.out <- transport.ExecutorMessage{ExecutorID: p.executorID, Msg: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
