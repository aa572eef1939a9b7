package types

import (
	"time"
)

// AgentID is the identity assigned to this node by the master on first
// registration. It is empty until the agent has registered at least once.
type AgentID string

// FrameworkID identifies a tenant of the cluster.
type FrameworkID string

// ExecutorID identifies an executor within a framework. Not globally unique:
// an executor-ID can be reused across re-launches, disambiguated by the
// container UUID that names each run's directory in pkg/checkpoint.
type ExecutorID string

// TaskID identifies a task within a framework.
type TaskID string

// UpdateUUID uniquely identifies a StatusUpdate.
type UpdateUUID string

// AgentInfo is the identity of this node.
type AgentInfo struct {
	ID         AgentID
	Hostname   string
	Resources  Resources
	Attributes map[string]string
}

// FrameworkInfo is tenant-supplied metadata about a framework.
type FrameworkInfo struct {
	ID              FrameworkID
	Name            string
	User            string
	FailoverTimeout time.Duration
}

// ExecutorInfo describes how to launch an executor.
type ExecutorInfo struct {
	ID          ExecutorID
	FrameworkID FrameworkID
	Name        string
	Source      string // owning task-ID, set for synthesized command executors
	Command     CommandInfo
	Image       string // non-empty selects the containerd isolator backend
	Resources   Resources
}

// CommandInfo is a shell command plus environment, used both for
// user-supplied executors and for the synthesized command-executor.
type CommandInfo struct {
	Value string
	Env   []string
	URIs  []string
}

// TaskInfo is what the master sends when assigning a task to this agent.
type TaskInfo struct {
	ID          TaskID
	FrameworkID FrameworkID
	Name        string
	Executor    *ExecutorInfo // mutually exclusive with Command
	Command     *CommandInfo
	Resources   Resources
}

// Resources is the flat resource-accounting value object the core needs:
// only the arithmetic used by the data-model invariant (an executor's
// consumed resources equal the sum of its launched tasks' resources plus its
// own reserved resources). The general resource-accounting arithmetic
// library is out of scope.
type Resources struct {
	CPU    float64
	Memory int64
	Disk   int64
}

// Add returns the element-wise sum of r and other.
func (r Resources) Add(other Resources) Resources {
	return Resources{
		CPU:    r.CPU + other.CPU,
		Memory: r.Memory + other.Memory,
		Disk:   r.Disk + other.Disk,
	}
}

// Sub returns the element-wise difference of r and other.
func (r Resources) Sub(other Resources) Resources {
	return Resources{
		CPU:    r.CPU - other.CPU,
		Memory: r.Memory - other.Memory,
		Disk:   r.Disk - other.Disk,
	}
}

// TaskState is the task state machine: STAGING -> STARTING -> RUNNING ->
// terminal {FINISHED, FAILED, KILLED, LOST}.
type TaskState string

const (
	TaskStaging  TaskState = "TASK_STAGING"
	TaskStarting TaskState = "TASK_STARTING"
	TaskRunning  TaskState = "TASK_RUNNING"
	TaskFinished TaskState = "TASK_FINISHED"
	TaskFailed   TaskState = "TASK_FAILED"
	TaskKilled   TaskState = "TASK_KILLED"
	TaskLost     TaskState = "TASK_LOST"
)

// IsTerminal reports whether s is one of the four terminal states.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskFinished, TaskFailed, TaskKilled, TaskLost:
		return true
	default:
		return false
	}
}

// Task is a unit of work tracked by the registry.
type Task struct {
	ID          TaskID
	ExecutorID  ExecutorID
	FrameworkID FrameworkID
	Resources   Resources
	State       TaskState
}

// StatusUpdate is the durably-logged, at-least-once-delivered description of
// a task-state transition.
type StatusUpdate struct {
	UUID        UpdateUUID
	FrameworkID FrameworkID
	ExecutorID  ExecutorID
	TaskID      TaskID
	State       TaskState
	Timestamp   time.Time
	Message     string
	Data        []byte
}
