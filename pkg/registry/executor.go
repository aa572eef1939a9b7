package registry

import (
	"time"

	"github.com/cuemby/agentcore/pkg/types"
)

// executorState is where one executor sits in its own lifecycle,
// independent of the two-phase shutdown timer.
type executorState int

const (
	executorLaunching executorState = iota
	executorRegistered
	executorShuttingDown
	executorTerminated
	// executorRecovered is the state a restored executor sits in between
	// the agent's recovery pass and that executor's re-registration (or
	// forced shutdown, if it never reconnects in time).
	executorRecovered
)

// executor is the registry's in-memory record for one running or
// launching executor instance.
type executor struct {
	info          types.ExecutorInfo
	containerUUID string
	sandboxDir    string
	pid           int
	hasPID        bool
	state         executorState

	// queue holds tasks assigned before the executor has registered with
	// the agent; launched holds tasks already dispatched to it.
	queue   []types.TaskInfo
	launched map[types.TaskID]*types.Task

	completed    []types.Task
	maxCompleted int

	shutdownTimer *time.Timer
}

func newExecutor(info types.ExecutorInfo, containerUUID, sandboxDir string, maxCompleted int) *executor {
	return &executor{
		info:          info,
		containerUUID: containerUUID,
		sandboxDir:    sandboxDir,
		state:         executorLaunching,
		launched:      make(map[types.TaskID]*types.Task),
		maxCompleted:  maxCompleted,
	}
}

// addTask records a newly launched task. Calling it twice for the same
// task-ID within this executor is a programmer error: slave.hpp enforces
// this with CHECK(!launchedTasks.contains(...)), translated here as a
// panic recovered only at the registry actor's dispatch loop.
func (e *executor) addTask(task types.Task) {
	if _, exists := e.launched[task.ID]; exists {
		panic("registry: duplicate task-id " + string(task.ID) + " in executor " + string(e.info.ID))
	}
	e.launched[task.ID] = &task
}

// completeTask removes a task from the launched set and pushes it onto
// the bounded completed ring buffer.
func (e *executor) completeTask(taskID types.TaskID) {
	t, ok := e.launched[taskID]
	if !ok {
		return
	}
	delete(e.launched, taskID)

	e.completed = append(e.completed, *t)
	if over := len(e.completed) - e.maxCompleted; over > 0 {
		e.completed = e.completed[over:]
	}
}

func (e *executor) hasNonTerminalTasks() bool {
	for _, t := range e.launched {
		if !t.State.IsTerminal() {
			return true
		}
	}
	return false
}
