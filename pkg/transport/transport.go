// Package transport defines the message shapes the agent core exchanges
// with the master and with executors, plus the two consumer-side interfaces
// the core depends on. Wire framing is explicitly out of scope; this
// package only fixes the logical message names and fields so the core
// can be written, tested, and driven in process without a real network.
package transport

import (
	"context"
	"time"

	"github.com/cuemby/agentcore/pkg/types"
)

// Register is sent once on first contact with a newly detected master.
type Register struct {
	AgentInfo types.AgentInfo
	Executors []types.ExecutorInfo
	Tasks     []types.TaskInfo
}

// Reregister is sent instead of Register when the agent already knows its
// AgentID (warm start or master failover), carrying the full inventory so
// the master can reconcile.
type Reregister struct {
	AgentInfo types.AgentInfo
	Executors []types.ExecutorInfo
	Tasks     []types.TaskInfo
}

// Registered is the master's reply completing Register.
type Registered struct {
	AgentID types.AgentID
}

// Reregistered is the master's reply completing Reregister.
type Reregistered struct {
	AgentID types.AgentID
}

// Unregister tells the master this agent is going away deliberately.
type Unregister struct {
	AgentID types.AgentID
}

// RunTask carries a task assignment from the master to this agent.
type RunTask struct {
	FrameworkInfo types.FrameworkInfo
	Task          types.TaskInfo
}

// KillTask instructs the agent (or an executor) to kill a task.
type KillTask struct {
	FrameworkID types.FrameworkID
	TaskID      types.TaskID
}

// StatusUpdateMsg carries one StatusUpdate from agent to master, or from
// agent to executor when relayed for reconciliation purposes.
type StatusUpdateMsg struct {
	Update types.StatusUpdate
}

// StatusUpdateAck is the master's (or executor's) acknowledgement of a
// StatusUpdateMsg, correlated by UUID.
type StatusUpdateAck struct {
	FrameworkID types.FrameworkID
	TaskID      types.TaskID
	UUID        types.UpdateUUID
}

// FrameworkMessage is an opaque, framework-defined message relayed between
// a framework's scheduler and its executors.
type FrameworkMessage struct {
	FrameworkID types.FrameworkID
	ExecutorID  types.ExecutorID
	Data        []byte
}

// ShutdownFramework tells the agent to tear down every executor belonging
// to a framework.
type ShutdownFramework struct {
	FrameworkID types.FrameworkID
}

// Ping/Pong are the liveness probe exchanged once registered.
type Ping struct{ Nonce uint64 }
type Pong struct{ Nonce uint64 }

// RegisterExecutor is sent by an executor process to the agent once it has
// started, claiming its executor-ID.
type RegisterExecutor struct {
	FrameworkID types.FrameworkID
	ExecutorID  types.ExecutorID
	PID         int
}

// ReregisterExecutor is sent instead of RegisterExecutor when the executor
// survives an agent restart and must reconnect; it carries the tasks and
// updates the executor still holds so the agent can reconcile against its
// own recovered state.
type ReregisterExecutor struct {
	FrameworkID types.FrameworkID
	ExecutorID  types.ExecutorID
	PID         int
	Tasks       []types.TaskInfo
	Updates     []types.StatusUpdate
}

// Shutdown is the graceful, phase-one shutdown message sent to an executor.
type Shutdown struct{}

// MasterLink is the interface pkg/agent depends on to talk to the master.
// A production implementation frames and ships these over the network
// (out of scope for this core); transport/loopback provides an in-memory
// stand-in for tests and local development.
type MasterLink interface {
	Send(ctx context.Context, msg any) error
	Recv() <-chan any
}

// ExecutorMessage pairs an inbound message with the executor-ID it
// originated from, since ExecutorLink multiplexes many executors on one
// channel.
type ExecutorMessage struct {
	ExecutorID types.ExecutorID
	Msg        any
}

// ExecutorLink is the interface pkg/agent and pkg/registry depend on to
// talk to executor processes.
type ExecutorLink interface {
	Send(ctx context.Context, executorID types.ExecutorID, msg any) error
	Recv() <-chan ExecutorMessage
}

// PingTimeout is a default Pong wait for a health.PingChecker. The agent
// actor's own ping rounds use config.Config.PingTimeout instead.
const PingTimeout = 5 * time.Second
