// Package registry tracks the frameworks, executors, and tasks launched
// on this agent, and implements the task-launch, kill, status-update
// routing, and two-phase shutdown operations slave.hpp's Framework/Executor
// pair expose. Like pkg/reaper and pkg/statusupdate it runs as a
// single-threaded actor: one goroutine, one mailbox, no shared state
// touched from outside it.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/agentcore/pkg/checkpoint"
	"github.com/cuemby/agentcore/pkg/config"
	"github.com/cuemby/agentcore/pkg/isolator"
	"github.com/cuemby/agentcore/pkg/log"
	"github.com/cuemby/agentcore/pkg/metrics"
	"github.com/cuemby/agentcore/pkg/statusupdate"
	"github.com/cuemby/agentcore/pkg/transport"
	"github.com/cuemby/agentcore/pkg/types"
)

type runTaskMsg struct {
	fw   types.FrameworkInfo
	task types.TaskInfo
}

type killTaskMsg struct {
	framework types.FrameworkID
	task      types.TaskID
}

type statusUpdateMsg struct {
	update types.StatusUpdate
}

type shutdownFrameworkMsg struct {
	framework types.FrameworkID
}

type shutdownExecutorMsg struct {
	framework types.FrameworkID
	executor  types.ExecutorID
}

type shutdownTimerMsg struct {
	framework types.FrameworkID
	executor  types.ExecutorID
}

type armFailoverMsg struct {
	framework types.FrameworkID
	timeout   time.Duration
}

type disarmFailoverMsg struct {
	framework types.FrameworkID
}

type executorTerminatedMsg struct {
	framework types.FrameworkID
	executor  types.ExecutorID
	status    isolator.TerminationStatus
}

type executorRegisteredMsg struct {
	framework types.FrameworkID
	executor  types.ExecutorID
	pid       int
}

type executorReregisteredMsg struct {
	framework types.FrameworkID
	executor  types.ExecutorID
	pid       int
}

type restoreMsg struct {
	executors []RestoredExecutor
	done      chan struct{}
}

type queryRecoveredMsg struct {
	framework types.FrameworkID
	executor  types.ExecutorID
	result    chan bool
}

type inventoryMsg struct {
	result chan inventory
}

// inventory is the full snapshot of executors and tasks this registry
// currently holds, used to populate Register/Reregister messages sent to
// the master.
type inventory struct {
	executors []types.ExecutorInfo
	tasks     []types.TaskInfo
}

// RestoredExecutor is one executor the checkpoint store found still
// recorded on disk at startup, in the shape the registry needs to
// rehydrate its in-memory framework/executor/task tree before accepting
// new traffic. Building this from checkpoint.RecoveredState is the
// agent actor's job (pkg/agent/recovery.go), since only it knows how to
// fold a task's replayed update log into a current types.TaskState.
type RestoredExecutor struct {
	Framework     types.FrameworkInfo
	Executor      types.ExecutorInfo
	ContainerUUID string
	SandboxDir    string
	PID           int
	HasPID        bool
	Tasks         []types.Task
}

// Registry is the actor described above. Create with New, start with Run.
type Registry struct {
	mailbox chan any

	isolator    isolator.Isolator
	store       *checkpoint.Store
	statusUpd   statusUpdateManager
	executorLnk transport.ExecutorLink
	cfg         config.Config
}

// statusUpdateManager is the subset of *statusupdate.Manager the registry
// calls, kept as an interface so tests can substitute a recorder.
type statusUpdateManager interface {
	Forward(runDir string, update types.StatusUpdate, ack statusupdate.AckTarget)
	TerminateStream(runDir string, framework types.FrameworkID, task types.TaskID, exitKnown bool, exitCode int)
}

// New creates a Registry wired to the given isolator backend, checkpoint
// store, status-update manager, and executor transport.
func New(iso isolator.Isolator, store *checkpoint.Store, statusUpd *statusupdate.Manager, executorLnk transport.ExecutorLink, cfg config.Config) *Registry {
	return &Registry{
		mailbox:     make(chan any, 256),
		isolator:    iso,
		store:       store,
		statusUpd:   statusUpd,
		executorLnk: executorLnk,
		cfg:         cfg,
	}
}

// RunTask assigns task, belonging to fw, to this agent.
func (r *Registry) RunTask(fw types.FrameworkInfo, task types.TaskInfo) {
	r.mailbox <- runTaskMsg{fw: fw, task: task}
}

// KillTask asks the owning executor (or, if the task is still queued,
// this registry directly) to kill task.
func (r *Registry) KillTask(framework types.FrameworkID, task types.TaskID) {
	r.mailbox <- killTaskMsg{framework: framework, task: task}
}

// StatusUpdate routes an update an executor produced into the
// status-update manager and updates in-memory task state.
func (r *Registry) StatusUpdate(update types.StatusUpdate) {
	r.mailbox <- statusUpdateMsg{update: update}
}

// ShutdownFramework tears down every executor belonging to framework.
func (r *Registry) ShutdownFramework(framework types.FrameworkID) {
	r.mailbox <- shutdownFrameworkMsg{framework: framework}
}

// ShutdownExecutor begins the two-phase shutdown of one executor.
func (r *Registry) ShutdownExecutor(framework types.FrameworkID, exec types.ExecutorID) {
	r.mailbox <- shutdownExecutorMsg{framework: framework, executor: exec}
}

// ExecutorRegistered records the PID an executor reported on first
// contact and flushes any tasks queued for it.
func (r *Registry) ExecutorRegistered(framework types.FrameworkID, exec types.ExecutorID, pid int) {
	r.mailbox <- executorRegisteredMsg{framework: framework, executor: exec, pid: pid}
}

// ExecutorReregistered records the PID a recovered executor reported on
// reconnecting after an agent restart, moving it out of executorRecovered
// and flushing anything queued for it while it was unreachable.
func (r *Registry) ExecutorReregistered(framework types.FrameworkID, exec types.ExecutorID, pid int) {
	r.mailbox <- executorReregisteredMsg{framework: framework, executor: exec, pid: pid}
}

// Inventory returns every executor and task currently tracked, for
// populating a Register/Reregister message to the master.
func (r *Registry) Inventory() (executors []types.ExecutorInfo, tasks []types.TaskInfo) {
	result := make(chan inventory, 1)
	r.mailbox <- inventoryMsg{result: result}
	inv := <-result
	return inv.executors, inv.tasks
}

// ArmFailoverTimer starts (or restarts) framework's failover timer: if it
// fires before DisarmFailoverTimer is called, the framework and every
// executor it owns are shut down. The registry has no visibility into
// master-contact state and never arms this timer on its own; pkg/agent
// does not call ArmFailoverTimer or DisarmFailoverTimer either.
func (r *Registry) ArmFailoverTimer(framework types.FrameworkID, timeout time.Duration) {
	r.mailbox <- armFailoverMsg{framework: framework, timeout: timeout}
}

// DisarmFailoverTimer cancels a previously armed failover timer, a no-op
// if none is running.
func (r *Registry) DisarmFailoverTimer(framework types.FrameworkID) {
	r.mailbox <- disarmFailoverMsg{framework: framework}
}

// Restore rehydrates the registry's in-memory tree from a checkpoint
// recovery pass, before any RunTask is accepted. It blocks until the
// restore has been applied.
func (r *Registry) Restore(executors []RestoredExecutor) {
	done := make(chan struct{})
	r.mailbox <- restoreMsg{executors: executors, done: done}
	<-done
}

// HasRecoveredExecutor reports whether executor is still sitting in the
// executorRecovered state, used by the agent's reconnect-timeout path to
// decide whether a forced shutdown is still necessary.
func (r *Registry) HasRecoveredExecutor(framework types.FrameworkID, exec types.ExecutorID) bool {
	result := make(chan bool, 1)
	r.mailbox <- queryRecoveredMsg{framework: framework, executor: exec, result: result}
	return <-result
}

// ExecutorTerminated reconciles an executor the reaper or isolator
// reports as gone: every non-terminal task it held is resolved to
// TASK_LOST/TASK_FAILED, and the executor record is retired to the
// framework's completed ring. The registry writes no checkpoint record
// for the termination itself; only the updates synthesized for launched
// tasks are checkpointed, by the status-update manager under the
// executor's run directory.
func (r *Registry) ExecutorTerminated(framework types.FrameworkID, exec types.ExecutorID, status isolator.TerminationStatus) {
	r.mailbox <- executorTerminatedMsg{framework: framework, executor: exec, status: status}
}

// Run drives the actor loop until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	frameworks := make(map[types.FrameworkID]*framework)
	logger := log.WithComponent("registry")

	defer func() {
		for _, fw := range frameworks {
			if fw.failoverTimer != nil {
				fw.failoverTimer.Stop()
			}
			for _, ex := range fw.executors {
				if ex.shutdownTimer != nil {
					ex.shutdownTimer.Stop()
				}
			}
		}
	}()

	getOrCreateFramework := func(info types.FrameworkInfo) *framework {
		fw, ok := frameworks[info.ID]
		if !ok {
			fw = newFramework(info, r.cfg.MaxCompletedExecutorsPerFramework)
			frameworks[info.ID] = fw
		}
		return fw
	}

	dispatch := func(fw *framework, ex *executor, task types.TaskInfo) {
		ex.addTask(types.Task{ID: task.ID, ExecutorID: ex.info.ID, FrameworkID: fw.info.ID, Resources: task.Resources, State: types.TaskStaging})
		if r.store != nil {
			runDir := r.store.RunDir(fw.info.ID, ex.info.ID, ex.containerUUID)
			if err := r.store.WriteTaskInfo(runDir, task); err != nil {
				logger.Error().Err(err).Str("task", string(task.ID)).Msg("checkpoint task info")
			}
		}
		if err := r.executorLnk.Send(ctx, ex.info.ID, transport.RunTask{FrameworkInfo: fw.info, Task: task}); err != nil {
			logger.Warn().Err(err).Str("executor", string(ex.info.ID)).Msg("send launch task to executor")
		}
		metrics.TasksByState.WithLabelValues(string(types.TaskStaging)).Inc()
	}

	handleRunTask := func(msg runTaskMsg) {
		fw := getOrCreateFramework(msg.fw)
		if r.store != nil {
			if err := r.store.WriteFrameworkInfo(fw.info); err != nil {
				logger.Error().Err(err).Str("framework", string(fw.info.ID)).Msg("checkpoint framework info")
			}
		}

		exInfo := deriveExecutorInfo(msg.task, r.cfg)
		ex, exists := fw.executors[exInfo.ID]

		if exists && ex.state == executorShuttingDown {
			// slave.hpp: a task arriving for an executor already in
			// shutdown is rejected immediately.
			r.synthesizeTerminal(fw.info.ID, exInfo.ID, msg.task.ID, types.TaskLost, "executor is shutting down")
			return
		}

		if exists {
			if ex.state == executorRegistered {
				dispatch(fw, ex, msg.task)
			} else {
				ex.queue = append(ex.queue, msg.task)
			}
			return
		}

		containerUUID := uuid.NewString()
		sandboxDir := r.store.RunDir(fw.info.ID, exInfo.ID, containerUUID)
		ex = newExecutor(exInfo, containerUUID, sandboxDir, r.cfg.MaxCompletedTasksPerExecutor)
		fw.executors[exInfo.ID] = ex
		ex.queue = append(ex.queue, msg.task)

		if r.store != nil {
			if err := r.store.WriteExecutorInfo(sandboxDir, exInfo); err != nil {
				logger.Error().Err(err).Str("executor", string(exInfo.ID)).Msg("checkpoint executor info")
			}
		}

		pid, termination, err := r.isolator.LaunchExecutor(ctx, fw.info, exInfo, sandboxDir, exInfo.Resources)
		if err != nil {
			logger.Error().Err(err).Str("executor", string(exInfo.ID)).Msg("launch executor")
			r.synthesizeTerminal(fw.info.ID, exInfo.ID, msg.task.ID, types.TaskFailed, err.Error())
			delete(fw.executors, exInfo.ID)
			return
		}
		ex.pid, ex.hasPID = pid, true
		if r.store != nil {
			if err := r.store.WritePID(sandboxDir, pid); err != nil {
				logger.Error().Err(err).Str("executor", string(exInfo.ID)).Msg("checkpoint pid")
			}
		}
		metrics.ExecutorsRunning.WithLabelValues(string(fw.info.ID)).Inc()

		go func() {
			select {
			case status := <-termination:
				r.ExecutorTerminated(fw.info.ID, exInfo.ID, status)
			case <-ctx.Done():
			}
		}()
	}

	handleExecutorRegistered := func(msg executorRegisteredMsg) {
		fw, ok := frameworks[msg.framework]
		if !ok {
			return
		}
		ex, ok := fw.executors[msg.executor]
		if !ok || ex.state != executorLaunching {
			return
		}
		ex.state = executorRegistered
		ex.pid, ex.hasPID = msg.pid, true

		queued := ex.queue
		ex.queue = nil
		for _, task := range queued {
			dispatch(fw, ex, task)
		}
	}

	handleExecutorReregistered := func(msg executorReregisteredMsg) {
		fw, ok := frameworks[msg.framework]
		if !ok {
			return
		}
		ex, ok := fw.executors[msg.executor]
		if !ok || ex.state != executorRecovered {
			return
		}
		ex.state = executorRegistered
		ex.pid, ex.hasPID = msg.pid, true

		queued := ex.queue
		ex.queue = nil
		for _, task := range queued {
			dispatch(fw, ex, task)
		}
	}

	handleRestore := func(msg restoreMsg) {
		for _, re := range msg.executors {
			fw := getOrCreateFramework(re.Framework)
			ex := newExecutor(re.Executor, re.ContainerUUID, re.SandboxDir, r.cfg.MaxCompletedTasksPerExecutor)
			ex.state = executorRecovered
			ex.pid, ex.hasPID = re.PID, re.HasPID
			for _, task := range re.Tasks {
				ex.addTask(task)
			}
			fw.executors[ex.info.ID] = ex
		}
		close(msg.done)
	}

	handleQueryRecovered := func(msg queryRecoveredMsg) {
		fw, ok := frameworks[msg.framework]
		if !ok {
			msg.result <- false
			return
		}
		ex, ok := fw.executors[msg.executor]
		msg.result <- ok && ex.state == executorRecovered
	}

	handleKillTask := func(msg killTaskMsg) {
		fw, ok := frameworks[msg.framework]
		if !ok {
			return
		}
		for _, ex := range fw.executors {
			for i, q := range ex.queue {
				if q.ID == msg.task {
					ex.queue = append(ex.queue[:i], ex.queue[i+1:]...)
					r.synthesizeTerminal(fw.info.ID, ex.info.ID, msg.task, types.TaskKilled, "killed while queued")
					return
				}
			}
			if _, launched := ex.launched[msg.task]; launched {
				if err := r.executorLnk.Send(ctx, ex.info.ID, transport.KillTask{FrameworkID: msg.framework, TaskID: msg.task}); err != nil {
					logger.Warn().Err(err).Str("task", string(msg.task)).Msg("send kill to executor")
				}
				return
			}
		}
	}

	handleStatusUpdate := func(msg statusUpdateMsg) {
		fw, ok := frameworks[msg.update.FrameworkID]
		if !ok {
			metrics.InvalidStatusUpdates.Inc()
			return
		}
		ex, ok := fw.executors[msg.update.ExecutorID]
		if !ok {
			metrics.InvalidStatusUpdates.Inc()
			return
		}
		task, ok := ex.launched[msg.update.TaskID]
		if !ok {
			metrics.InvalidStatusUpdates.Inc()
			return
		}

		task.State = msg.update.State
		metrics.ValidStatusUpdates.Inc()
		metrics.TasksByState.WithLabelValues(string(msg.update.State)).Inc()

		runDir := ""
		if r.store != nil {
			runDir = r.store.RunDir(fw.info.ID, ex.info.ID, ex.containerUUID)
		}
		r.statusUpd.Forward(runDir, msg.update, statusupdate.AckTargetFunc(func(types.StatusUpdate) {}))

		if msg.update.State.IsTerminal() {
			ex.completeTask(msg.update.TaskID)
		}
	}

	beginExecutorShutdown := func(fw *framework, ex *executor) {
		if ex.state == executorShuttingDown || ex.state == executorTerminated {
			return
		}
		ex.state = executorShuttingDown
		if err := r.executorLnk.Send(ctx, ex.info.ID, transport.Shutdown{}); err != nil {
			logger.Warn().Err(err).Str("executor", string(ex.info.ID)).Msg("send shutdown to executor")
		}
		framework, exec := fw.info.ID, ex.info.ID
		ex.shutdownTimer = time.AfterFunc(r.cfg.ExecutorShutdownGracePeriod, func() {
			select {
			case r.mailbox <- shutdownTimerMsg{framework: framework, executor: exec}:
			case <-ctx.Done():
			}
		})
	}

	handleShutdownExecutor := func(msg shutdownExecutorMsg) {
		fw, ok := frameworks[msg.framework]
		if !ok {
			return
		}
		ex, ok := fw.executors[msg.executor]
		if !ok {
			return
		}
		beginExecutorShutdown(fw, ex)
	}

	handleShutdownFramework := func(msg shutdownFrameworkMsg) {
		fw, ok := frameworks[msg.framework]
		if !ok {
			return
		}
		fw.shuttingDown = true
		for _, ex := range fw.executors {
			beginExecutorShutdown(fw, ex)
		}
	}

	handleInventory := func(msg inventoryMsg) {
		var inv inventory
		for _, fw := range frameworks {
			for _, ex := range fw.executors {
				inv.executors = append(inv.executors, ex.info)
				for _, task := range ex.launched {
					taskInfo := types.TaskInfo{
						ID:          task.ID,
						FrameworkID: task.FrameworkID,
						Executor:    &ex.info,
						Resources:   task.Resources,
					}
					inv.tasks = append(inv.tasks, taskInfo)
				}
			}
		}
		msg.result <- inv
	}

	handleArmFailover := func(msg armFailoverMsg) {
		fw, ok := frameworks[msg.framework]
		if !ok {
			return
		}
		if fw.failoverTimer != nil {
			fw.failoverTimer.Stop()
		}
		framework := fw.info.ID
		fw.failoverTimer = time.AfterFunc(msg.timeout, func() {
			select {
			case r.mailbox <- shutdownFrameworkMsg{framework: framework}:
			case <-ctx.Done():
			}
		})
	}

	handleDisarmFailover := func(msg disarmFailoverMsg) {
		fw, ok := frameworks[msg.framework]
		if !ok {
			return
		}
		if fw.failoverTimer != nil {
			fw.failoverTimer.Stop()
			fw.failoverTimer = nil
		}
	}

	handleShutdownTimer := func(msg shutdownTimerMsg) {
		fw, ok := frameworks[msg.framework]
		if !ok {
			return
		}
		ex, ok := fw.executors[msg.executor]
		if !ok || ex.state != executorShuttingDown {
			return
		}
		if err := r.isolator.Destroy(ctx, ex.info.ID); err != nil {
			logger.Error().Err(err).Str("executor", string(ex.info.ID)).Msg("destroy executor after grace period")
		}
	}

	handleExecutorTerminated := func(msg executorTerminatedMsg) {
		fw, ok := frameworks[msg.framework]
		if !ok {
			return
		}
		ex, ok := fw.executors[msg.executor]
		if !ok {
			return
		}

		runDir := ""
		if r.store != nil {
			runDir = r.store.RunDir(fw.info.ID, ex.info.ID, ex.containerUUID)
		}
		for taskID, task := range ex.launched {
			if task.State.IsTerminal() {
				continue
			}
			r.statusUpd.TerminateStream(runDir, fw.info.ID, taskID, msg.status.Known, msg.status.ExitCode)
		}
		for _, task := range ex.queue {
			r.synthesizeTerminal(fw.info.ID, ex.info.ID, task.ID, types.TaskLost, "executor terminated before launch")
		}

		ex.state = executorTerminated
		if ex.shutdownTimer != nil {
			ex.shutdownTimer.Stop()
		}
		metrics.ExecutorsRunning.WithLabelValues(string(fw.info.ID)).Dec()
		fw.completeExecutor(ex.info.ID)

		if fw.shuttingDown && len(fw.executors) == 0 {
			delete(frameworks, fw.info.ID)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-r.mailbox:
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						logger.Fatal().Interface("panic", rec).Msg("registry invariant violation")
					}
				}()
				switch msg := raw.(type) {
				case runTaskMsg:
					handleRunTask(msg)
				case killTaskMsg:
					handleKillTask(msg)
				case statusUpdateMsg:
					handleStatusUpdate(msg)
				case shutdownFrameworkMsg:
					handleShutdownFramework(msg)
				case shutdownExecutorMsg:
					handleShutdownExecutor(msg)
				case shutdownTimerMsg:
					handleShutdownTimer(msg)
				case executorTerminatedMsg:
					handleExecutorTerminated(msg)
				case executorRegisteredMsg:
					handleExecutorRegistered(msg)
				case executorReregisteredMsg:
					handleExecutorReregistered(msg)
				case restoreMsg:
					handleRestore(msg)
				case queryRecoveredMsg:
					handleQueryRecovered(msg)
				case armFailoverMsg:
					handleArmFailover(msg)
				case disarmFailoverMsg:
					handleDisarmFailover(msg)
				case inventoryMsg:
					handleInventory(msg)
				}
			}()
		}
	}
}

// synthesizeTerminal pushes a terminal status update into the
// status-update pipeline for a task that never reached a running
// executor (queued-kill, shutdown-rejection, launch failure).
func (r *Registry) synthesizeTerminal(framework types.FrameworkID, exec types.ExecutorID, task types.TaskID, state types.TaskState, message string) {
	update := types.StatusUpdate{
		UUID:        types.UpdateUUID(uuid.NewString()),
		FrameworkID: framework,
		ExecutorID:  exec,
		TaskID:      task,
		State:       state,
		Timestamp:   time.Now(),
		Message:     message,
	}
	metrics.TasksByState.WithLabelValues(string(state)).Inc()
	r.statusUpd.Forward("", update, statusupdate.AckTargetFunc(func(types.StatusUpdate) {}))
}
