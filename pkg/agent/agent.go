// Package agent implements the top-level actor that owns registration
// with the master, dispatches inbound master/executor traffic to the
// registry and status-update manager, drives periodic ping-liveness once
// registered, and runs the startup recovery protocol. Like the other
// components it is a single-threaded actor: one goroutine, one mailbox,
// driven by select over its own messages plus the two transport links it
// owns the sole read-side of.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/agentcore/pkg/checkpoint"
	"github.com/cuemby/agentcore/pkg/config"
	"github.com/cuemby/agentcore/pkg/health"
	"github.com/cuemby/agentcore/pkg/isolator"
	"github.com/cuemby/agentcore/pkg/log"
	"github.com/cuemby/agentcore/pkg/reaper"
	"github.com/cuemby/agentcore/pkg/registry"
	"github.com/cuemby/agentcore/pkg/statusupdate"
	"github.com/cuemby/agentcore/pkg/transport"
	"github.com/cuemby/agentcore/pkg/types"
)

// registrationState is where the agent sits with respect to the master.
type registrationState int

const (
	disconnected registrationState = iota
	registering
	reregistering
	registered
)

const (
	registerInitialBackoff = 1 * time.Second
	registerMaxBackoff     = 1 * time.Minute
	registerBackoffFactor  = 2
)

type newMasterDetectedMsg struct{}
type noMasterDetectedMsg struct{}
type registerRetryMsg struct{ round registrationState }
type executorExitMsg struct {
	framework types.FrameworkID
	executor  types.ExecutorID
	status    isolator.TerminationStatus
}
type recoveredExecutorTimeoutMsg struct {
	framework  types.FrameworkID
	executor   types.ExecutorID
	sandboxDir string
}
type pingTimeoutMsg struct{ nonce uint64 }

// recoveredRef identifies which executor a reaper-observed PID belongs to,
// for PIDs the agent itself is watching because they were found still
// running on disk at startup (freshly launched executors are watched by
// the isolator backend directly, through LaunchExecutor's own termination
// channel).
type recoveredRef struct {
	framework types.FrameworkID
	executor  types.ExecutorID
}

// Agent is the actor described above. Create with New, start with Run.
type Agent struct {
	mailbox chan any

	masterLink   transport.MasterLink
	executorLink transport.ExecutorLink

	registry  *registry.Registry
	statusUpd *statusupdate.Manager
	store     *checkpoint.Store
	isolator  isolator.Isolator
	reaper    *reaper.Reaper

	cfg config.Config

	recoveredMu  sync.Mutex
	recoveredPID map[int]recoveredRef
}

// New creates an Agent wired to every collaborator it dispatches to. It
// must be started with Run, and Recover should be called once, before Run,
// if a warm or cold start's recovery protocol is required.
func New(
	masterLink transport.MasterLink,
	executorLink transport.ExecutorLink,
	reg *registry.Registry,
	statusUpd *statusupdate.Manager,
	store *checkpoint.Store,
	iso isolator.Isolator,
	rp *reaper.Reaper,
	cfg config.Config,
) *Agent {
	a := &Agent{
		mailbox:      make(chan any, 256),
		masterLink:   masterLink,
		executorLink: executorLink,
		registry:     reg,
		statusUpd:    statusUpd,
		store:        store,
		isolator:     iso,
		reaper:       rp,
		cfg:          cfg,
		recoveredPID: make(map[int]recoveredRef),
	}
	rp.AddListener(a.onReaperExit)
	return a
}

// watchRecoveredPID arms the reaper's watch for a recovered executor's PID
// and records which executor it belongs to, so onReaperExit can route the
// eventual exit notification to the right registry entry.
func (a *Agent) watchRecoveredPID(pid int, framework types.FrameworkID, executor types.ExecutorID) {
	a.recoveredMu.Lock()
	a.recoveredPID[pid] = recoveredRef{framework: framework, executor: executor}
	a.recoveredMu.Unlock()
	a.reaper.Monitor(pid)
}

// onReaperExit is the reaper.Listener registered at construction time. It
// runs on the reaper's own actor goroutine, so it must not block; routing
// the notification into this agent's mailbox is the only work it does.
func (a *Agent) onReaperExit(pid int, status reaper.ExitStatus) {
	a.recoveredMu.Lock()
	ref, ok := a.recoveredPID[pid]
	if ok {
		delete(a.recoveredPID, pid)
	}
	a.recoveredMu.Unlock()
	if !ok {
		return
	}
	a.mailbox <- executorExitMsg{
		framework: ref.framework,
		executor:  ref.executor,
		status:    isolator.TerminationStatus{Reason: isolator.TerminationExited, Known: status.Known, ExitCode: status.ExitCode},
	}
}

// NewMasterDetected tells the agent a master is now reachable. It
// transitions to registering (no agent-ID yet) or reregistering (agent-ID
// known from a previous run), per spec.
func (a *Agent) NewMasterDetected() {
	a.mailbox <- newMasterDetectedMsg{}
}

// NoMasterDetected tells the agent the master is no longer reachable. The
// agent moves to disconnected; executors are left running and the
// status-update manager keeps retrying on its own schedule.
func (a *Agent) NoMasterDetected() {
	a.mailbox <- noMasterDetectedMsg{}
}

// Run drives the actor loop until ctx is cancelled. agentID, if non-empty,
// seeds a warm start (normally the result of Recover). It should be
// started in its own goroutine, after Recover has completed.
func (a *Agent) Run(ctx context.Context, agentID types.AgentID, hostname string, attrs map[string]string) {
	logger := log.WithComponent("agent")

	state := disconnected
	var backoff time.Duration
	var registerTimer *time.Timer

	info := types.AgentInfo{ID: agentID, Hostname: hostname, Attributes: attrs}

	pingStatus := health.NewStatus()
	pingCfg := health.Config{Interval: a.cfg.PingInterval, Timeout: a.cfg.PingTimeout, Retries: 3}
	pingTicker := time.NewTicker(pingCfg.Interval)
	defer pingTicker.Stop()

	var pingNonce uint64
	var pingOutstanding bool
	var pingTimer *time.Timer

	stopRegisterTimer := func() {
		if registerTimer != nil {
			registerTimer.Stop()
			registerTimer = nil
		}
		backoff = 0
	}

	armRegisterRetry := func(target registrationState) {
		if registerTimer != nil {
			registerTimer.Stop()
		}
		d := backoff
		if d == 0 {
			d = registerInitialBackoff
		}
		registerTimer = time.AfterFunc(d, func() {
			select {
			case a.mailbox <- registerRetryMsg{round: target}:
			case <-ctx.Done():
			}
		})
		backoff = d * registerBackoffFactor
		if backoff > registerMaxBackoff {
			backoff = registerMaxBackoff
		}
	}

	sendRegister := func() {
		executors, tasks := a.registry.Inventory()
		if err := a.masterLink.Send(ctx, transport.Register{AgentInfo: info, Executors: executors, Tasks: tasks}); err != nil {
			logger.Warn().Err(err).Msg("send register")
		}
	}

	sendReregister := func() {
		executors, tasks := a.registry.Inventory()
		if err := a.masterLink.Send(ctx, transport.Reregister{AgentInfo: info, Executors: executors, Tasks: tasks}); err != nil {
			logger.Warn().Err(err).Msg("send reregister")
		}
	}

	beginRegistering := func() {
		if info.ID == "" {
			state = registering
			sendRegister()
			armRegisterRetry(registering)
		} else {
			state = reregistering
			sendReregister()
			armRegisterRetry(reregistering)
		}
	}

	handleNewMasterDetected := func() {
		switch state {
		case disconnected:
			beginRegistering()
		case registering, reregistering, registered:
			// Already pursuing or holding a connection; a duplicate
			// detection signal is not a transition.
		}
	}

	handleNoMasterDetected := func() {
		stopRegisterTimer()
		state = disconnected
	}

	handleRegisterRetry := func(msg registerRetryMsg) {
		if state != msg.round {
			return // superseded by a state change since the timer was armed
		}
		if state == registering {
			sendRegister()
		} else if state == reregistering {
			sendReregister()
		}
		armRegisterRetry(state)
	}

	handleRegistered := func(id types.AgentID) {
		if state != registering {
			return
		}
		info.ID = id
		stopRegisterTimer()
		state = registered
		if a.store != nil {
			a.store.SetAgentID(id)
			if err := a.store.WriteAgentInfo(info); err != nil {
				logger.Error().Err(err).Msg("checkpoint agent info")
			}
		}
		logger.Info().Str("agent_id", string(id)).Msg("registered")
	}

	handleReregistered := func(id types.AgentID) {
		if state != reregistering {
			return
		}
		stopRegisterTimer()
		state = registered
		logger.Info().Str("agent_id", string(id)).Msg("reregistered")
	}

	handleMasterMessage := func(raw any) {
		switch msg := raw.(type) {
		case transport.Registered:
			handleRegistered(msg.AgentID)
		case transport.Reregistered:
			handleReregistered(msg.AgentID)
		case transport.RunTask:
			a.registry.RunTask(msg.FrameworkInfo, msg.Task)
		case transport.KillTask:
			a.registry.KillTask(msg.FrameworkID, msg.TaskID)
		case transport.StatusUpdateAck:
			a.statusUpd.Ack(msg.FrameworkID, msg.TaskID, msg.UUID)
		case transport.ShutdownFramework:
			a.registry.ShutdownFramework(msg.FrameworkID)
		case transport.Pong:
			if pingOutstanding && msg.Nonce == pingNonce {
				pingOutstanding = false
				pingStatus.Update(health.Result{Healthy: true, CheckedAt: time.Now()}, pingCfg)
			}
			// Otherwise this Pong answers a round already timed out or
			// superseded by a later ping tick; stale, ignore.
		}
	}

	handleExecutorMessage := func(msg transport.ExecutorMessage) {
		switch m := msg.Msg.(type) {
		case transport.RegisterExecutor:
			a.registry.ExecutorRegistered(m.FrameworkID, m.ExecutorID, m.PID)
		case transport.ReregisterExecutor:
			a.registry.ExecutorReregistered(m.FrameworkID, m.ExecutorID, m.PID)
		case transport.StatusUpdateMsg:
			a.registry.StatusUpdate(m.Update)
		}
	}

	// handlePingTick issues a Ping and arms a deadline continuation instead
	// of blocking on the reply inline — a blocking read here would compete
	// with this same loop's own masterLink.Recv() case for the single
	// underlying channel, silently dropping whatever master message
	// arrived during the wait. The matching Pong is correlated by nonce
	// in handleMasterMessage above; pingTimeoutMsg below covers the
	// no-reply case.
	handlePingTick := func() {
		if state != registered {
			return
		}
		pingNonce++
		nonce := pingNonce
		pingOutstanding = true
		if err := a.masterLink.Send(ctx, transport.Ping{Nonce: nonce}); err != nil {
			logger.Warn().Err(err).Msg("send ping")
		}
		if pingTimer != nil {
			pingTimer.Stop()
		}
		pingTimer = time.AfterFunc(pingCfg.Timeout, func() {
			select {
			case a.mailbox <- pingTimeoutMsg{nonce: nonce}:
			case <-ctx.Done():
			}
		})
	}

	handlePingTimeout := func(msg pingTimeoutMsg) {
		if !pingOutstanding || msg.nonce != pingNonce {
			return // answered or superseded since the timer was armed
		}
		pingOutstanding = false
		pingStatus.Update(health.Result{Healthy: false, CheckedAt: time.Now()}, pingCfg)
		if !pingStatus.Healthy {
			logger.Warn().Int("consecutive_failures", pingStatus.ConsecutiveFailures).Msg("master ping liveness degraded")
		}
	}

	for {
		select {
		case <-ctx.Done():
			stopRegisterTimer()
			return

		case raw := <-a.mailbox:
			switch msg := raw.(type) {
			case newMasterDetectedMsg:
				handleNewMasterDetected()
			case noMasterDetectedMsg:
				handleNoMasterDetected()
			case registerRetryMsg:
				handleRegisterRetry(msg)
			case executorExitMsg:
				a.registry.ExecutorTerminated(msg.framework, msg.executor, msg.status)
			case recoveredExecutorTimeoutMsg:
				if a.registry.HasRecoveredExecutor(msg.framework, msg.executor) {
					a.registry.ShutdownExecutor(msg.framework, msg.executor)
					if a.cfg.Recover.Cleanup {
						a.scheduleCleanup(msg.sandboxDir)
					}
				}
				// Otherwise the executor reregistered before the timer
				// fired; its sandbox belongs to a live run now and must
				// not be removed.
			case pingTimeoutMsg:
				handlePingTimeout(msg)
			}

		case raw := <-a.masterLink.Recv():
			handleMasterMessage(raw)

		case msg := <-a.executorLink.Recv():
			handleExecutorMessage(msg)

		case <-pingTicker.C:
			handlePingTick()
		}
	}
}
