// Package reaper observes the termination of arbitrary process IDs,
// including PIDs that are not children of this process, and delivers a
// single exit notification per monitored PID.
//
// It runs as a single-threaded actor: one goroutine owns the set of
// monitored PIDs and the listener list, driven entirely by its mailbox
// channel and a poll ticker. Nothing outside the actor goroutine touches
// that state.
package reaper

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cuemby/agentcore/pkg/log"
)

// PollInterval is the default tick period. The contract requires polling at
// least once per second.
const PollInterval = 1 * time.Second

// ExitStatus describes how a monitored PID terminated. For non-child PIDs
// the reaper can only detect disappearance, not the exit code or signal —
// Known is false and callers must not infer task success or failure from it
// alone (spec: the task-state machine cross-checks this against any final
// status update the executor itself reported).
type ExitStatus struct {
	Known    bool
	ExitCode int
	Signal   int
}

// Listener receives one notification per PID the reaper stops monitoring.
type Listener func(pid int, status ExitStatus)

type message struct {
	monitor     int
	addListener Listener
}

// Reaper is the actor described above. Use New and Run; Monitor and
// AddListener enqueue messages into its mailbox.
type Reaper struct {
	mailbox  chan message
	interval time.Duration
}

// New creates a Reaper. It must be started with Run before Monitor or
// AddListener have any effect.
func New() *Reaper {
	return &Reaper{
		mailbox:  make(chan message, 64),
		interval: PollInterval,
	}
}

// Monitor registers interest in pid. Calling Monitor twice for a PID that
// is still being monitored is a no-op — the reaper fires at most one
// notification per monitored PID.
func (r *Reaper) Monitor(pid int) {
	r.mailbox <- message{monitor: pid}
}

// AddListener subscribes l to future exit notifications.
func (r *Reaper) AddListener(l Listener) {
	r.mailbox <- message{addListener: l}
}

// Run drives the actor loop until ctx is cancelled. It should be started in
// its own goroutine.
func (r *Reaper) Run(ctx context.Context) {
	monitored := make(map[int]struct{})
	var listeners []Listener

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-r.mailbox:
			if msg.monitor != 0 {
				if _, ok := monitored[msg.monitor]; !ok {
					monitored[msg.monitor] = struct{}{}
				}
			}
			if msg.addListener != nil {
				listeners = append(listeners, msg.addListener)
			}

		case <-ticker.C:
			for pid := range monitored {
				status, gone := probe(pid)
				if !gone {
					continue
				}
				delete(monitored, pid)
				for _, l := range listeners {
					l(pid, status)
				}
			}
		}
	}
}

// probe checks whether pid is still alive, distinguishing child PIDs (which
// can be reaped with a non-blocking wait4) from non-child PIDs (which can
// only be probed with a zero-signal send). It never returns an error to the
// caller — poll errors are logged and retried on the next tick, per the
// reaper's "never fails fatally" contract.
func probe(pid int) (ExitStatus, bool) {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	switch {
	case err == nil && wpid == pid:
		return exitStatusFromWaitStatus(ws), true
	case err == nil && wpid == 0:
		// Still running as our child.
		return ExitStatus{}, false
	case err != unix.ECHILD:
		// A real wait4 error on a PID that is our child (other than "not a
		// child of ours"); log and retry next tick.
		logger := log.WithComponent("reaper")
		logger.Warn().Err(err).Int("pid", pid).Msg("wait4 probe error")
		return ExitStatus{}, false
	}

	// Not our child: fall back to the zero-signal liveness probe.
	if sigErr := unix.Kill(pid, 0); sigErr == unix.ESRCH {
		return ExitStatus{Known: false}, true
	}
	return ExitStatus{}, false
}

func exitStatusFromWaitStatus(ws unix.WaitStatus) ExitStatus {
	switch {
	case ws.Exited():
		return ExitStatus{Known: true, ExitCode: ws.ExitStatus()}
	case ws.Signaled():
		return ExitStatus{Known: true, Signal: int(ws.Signal())}
	default:
		return ExitStatus{Known: false}
	}
}
