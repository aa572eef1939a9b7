// Package statusupdate implements the per-task status-update stream state
// machine: empty -> pending(U) -> forwarded(U) -> acked(U), with
// checkpoint-backed at-least-once delivery to the master and exponential
// retransmit backoff. It runs as a single-threaded actor in the style of
// pkg/reaper: one goroutine, one mailbox, no shared mutable state.
package statusupdate

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/agentcore/pkg/checkpoint"
	"github.com/cuemby/agentcore/pkg/log"
	"github.com/cuemby/agentcore/pkg/metrics"
	"github.com/cuemby/agentcore/pkg/transport"
	"github.com/cuemby/agentcore/pkg/types"
)

// streamState is the lifecycle stage of one task's update stream.
type streamState int

const (
	stateEmpty streamState = iota
	statePending
	stateForwarded
	stateAcked
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 1 * time.Minute
	backoffFactor  = 2
)

// AckTarget is where a forwarded update's ack is delivered once the master
// confirms it, so Forward can be called even after the owning executor
// record has been removed from the registry.
type AckTarget interface {
	Ack(update types.StatusUpdate)
}

// NopAckTarget discards the ack. Used when the executor the update
// originated from is already gone.
type NopAckTarget struct{}

// Ack implements AckTarget by doing nothing.
func (NopAckTarget) Ack(types.StatusUpdate) {}

// AckTargetFunc adapts a function to AckTarget.
type AckTargetFunc func(types.StatusUpdate)

// Ack implements AckTarget.
func (f AckTargetFunc) Ack(u types.StatusUpdate) { f(u) }

type stream struct {
	runDir  string
	state   streamState
	current types.StatusUpdate
	ack     AckTarget
	queue   []queuedUpdate
	backoff time.Duration
	timer   *time.Timer
	softCap bool
}

type queuedUpdate struct {
	update types.StatusUpdate
	ack    AckTarget
}

func streamKey(fw types.FrameworkID, task types.TaskID) string {
	return string(fw) + "/" + string(task)
}

type forwardMsg struct {
	runDir string
	update types.StatusUpdate
	ack    AckTarget
}

type ackMsg struct {
	framework types.FrameworkID
	task      types.TaskID
	uuid      types.UpdateUUID
}

type retryMsg struct {
	key string
}

type terminateMsg struct {
	runDir    string
	framework types.FrameworkID
	task      types.TaskID
	status    types.TaskState
}

// Manager is the status-update actor. Create with New, start with Run.
type Manager struct {
	mailbox     chan any
	store       *checkpoint.Store
	link        transport.MasterLink
	softCapSize int
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithSoftCap sets the soft cap on updates queued behind an unacked
// predecessor. The cap applies to each task stream on its own, not to a
// framework's total: a stream whose queue reaches n logs one warning.
// Zero disables the check.
func WithSoftCap(n int) Option {
	return func(m *Manager) { m.softCapSize = n }
}

// New creates a Manager that checkpoints through store and forwards
// updates to the master over link.
func New(store *checkpoint.Store, link transport.MasterLink, opts ...Option) *Manager {
	m := &Manager{
		mailbox: make(chan any, 256),
		store:   store,
		link:    link,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Forward enqueues update for delivery to the master, acking through ack
// once the master confirms it. runDir identifies the executor run whose
// updates log the update is checkpointed under. Safe to call from any
// goroutine.
func (m *Manager) Forward(runDir string, update types.StatusUpdate, ack AckTarget) {
	if ack == nil {
		ack = NopAckTarget{}
	}
	m.mailbox <- forwardMsg{runDir: runDir, update: update, ack: ack}
}

// Ack records that the master acknowledged uuid for framework/task's
// current forwarded update.
func (m *Manager) Ack(framework types.FrameworkID, task types.TaskID, uuid types.UpdateUUID) {
	m.mailbox <- ackMsg{framework: framework, task: task, uuid: uuid}
}

// TerminateStream synthesizes a terminal update (TASK_LOST, or TASK_FAILED
// when exitCode is known to be non-zero) for a task whose executor
// disappeared without ever reporting a terminal status, per the contract
// that every task-stream must end in a terminal acked update.
func (m *Manager) TerminateStream(runDir string, framework types.FrameworkID, task types.TaskID, exitKnown bool, exitCode int) {
	state := types.TaskLost
	if exitKnown && exitCode != 0 {
		state = types.TaskFailed
	}
	m.mailbox <- terminateMsg{runDir: runDir, framework: framework, task: task, status: state}
}

// Run drives the actor loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	streams := make(map[string]*stream)
	logger := log.WithComponent("statusupdate")

	stopAll := func() {
		for _, s := range streams {
			if s.timer != nil {
				s.timer.Stop()
			}
		}
	}
	defer stopAll()

	retry := func(key string, s *stream) {
		if s.timer != nil {
			s.timer.Stop()
		}
		d := s.backoff
		if d == 0 {
			d = initialBackoff
		}
		s.timer = time.AfterFunc(d, func() {
			select {
			case m.mailbox <- retryMsg{key: key}:
			case <-ctx.Done():
			}
		})
		s.backoff = d * backoffFactor
		if s.backoff > maxBackoff {
			s.backoff = maxBackoff
		}
	}

	send := func(key string, s *stream) {
		if err := m.link.Send(ctx, transport.StatusUpdateMsg{Update: s.current}); err != nil {
			logger.Warn().Err(err).Str("stream", key).Msg("forward status update")
		}
		s.state = stateForwarded
		retry(key, s)
	}

	checkpointUpdate := func(key string, s *stream, update types.StatusUpdate) {
		if m.store == nil || s.runDir == "" {
			return
		}
		if err := m.store.AppendUpdate(s.runDir, update); err != nil {
			logger.Error().Err(err).Str("stream", key).Msg("checkpoint status update")
		}
	}

	advance := func(key string, s *stream) {
		if len(s.queue) == 0 {
			// Left in streams as stateAcked so handleForward's closed-stream
			// check keeps rejecting late/duplicate sends for this task-ID
			// instead of reallocating a fresh stream from stateEmpty.
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.current = next.update
		s.ack = next.ack
		s.state = statePending
		s.backoff = 0
		checkpointUpdate(key, s, next.update)
		send(key, s)
	}

	handleForward := func(msg forwardMsg) {
		key := streamKey(msg.update.FrameworkID, msg.update.TaskID)
		s, ok := streams[key]
		if !ok {
			s = &stream{runDir: msg.runDir}
			streams[key] = s
		}
		if msg.runDir != "" {
			s.runDir = msg.runDir
		}

		if s.state != stateEmpty && s.current.UUID == msg.update.UUID {
			return // duplicate of the in-flight or already-acked update
		}
		for _, q := range s.queue {
			if q.update.UUID == msg.update.UUID {
				return // duplicate already queued
			}
		}
		if s.state == stateAcked && s.current.State.IsTerminal() {
			logger.Warn().Str("stream", key).Msg("dropping update for closed stream")
			return
		}

		if s.state == stateEmpty || s.state == stateAcked {
			s.current = msg.update
			s.ack = msg.ack
			s.state = statePending
			s.backoff = 0
			checkpointUpdate(key, s, msg.update)
			send(key, s)
			return
		}

		// A predecessor is still unacked: queue behind it.
		s.queue = append(s.queue, queuedUpdate{update: msg.update, ack: msg.ack})
		if m.softCapSize > 0 && len(s.queue) >= m.softCapSize && !s.softCap {
			s.softCap = true
			logger.Warn().Str("stream", key).Int("depth", len(s.queue)).Msg("status update queue crossed soft cap")
		}
		metrics.StatusUpdateQueueDepth.WithLabelValues(string(msg.update.FrameworkID)).Set(float64(len(s.queue)))
	}

	handleAck := func(msg ackMsg) {
		key := streamKey(msg.framework, msg.task)
		s, ok := streams[key]
		if !ok || s.state != stateForwarded || s.current.UUID != msg.uuid {
			return // stale or unknown ack
		}
		if s.timer != nil {
			s.timer.Stop()
		}
		if m.store != nil && s.runDir != "" {
			if err := m.store.AppendAck(s.runDir, msg.task, msg.uuid); err != nil {
				logger.Error().Err(err).Str("stream", key).Msg("checkpoint ack")
			}
		}
		s.state = stateAcked
		if s.ack != nil {
			s.ack.Ack(s.current)
		}
		metrics.StatusUpdateQueueDepth.WithLabelValues(string(msg.framework)).Set(float64(len(s.queue)))
		advance(key, s)
	}

	handleRetry := func(msg retryMsg) {
		s, ok := streams[msg.key]
		if !ok || s.state != stateForwarded {
			return // acked or replaced since the timer was armed
		}
		metrics.StatusUpdateRetransmits.Inc()
		send(msg.key, s)
	}

	handleTerminate := func(msg terminateMsg) {
		update := types.StatusUpdate{
			UUID:        types.UpdateUUID(uuid.NewString()),
			FrameworkID: msg.framework,
			TaskID:      msg.task,
			State:       msg.status,
			Timestamp:   time.Now(),
			Message:     "executor terminated without a terminal status update",
		}
		handleForward(forwardMsg{runDir: msg.runDir, update: update, ack: NopAckTarget{}})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-m.mailbox:
			switch msg := raw.(type) {
			case forwardMsg:
				handleForward(msg)
			case ackMsg:
				handleAck(msg)
			case retryMsg:
				handleRetry(msg)
			case terminateMsg:
				handleTerminate(msg)
			}
		}
	}
}

// Recover replays a task's checkpointed update log and re-enters its
// unacked tail through Forward so pending retransmit timers get re-armed
// exactly as if each update had just been produced. Updates are appended
// to the log in order, so the unacked tail starts at the first update
// whose UUID is absent from ackedUUIDs; everything before it is assumed
// acked.
func (m *Manager) Recover(runDir string, task checkpoint.RecoveredTask) {
	for _, update := range task.Updates {
		if _, acked := task.AckedUUIDs[update.UUID]; acked {
			continue
		}
		m.Forward(runDir, update, NopAckTarget{})
	}
}
