package registry

import (
	"time"

	"github.com/cuemby/agentcore/pkg/types"
)

// framework is the registry's in-memory record for one tenant: its
// executors, plus a bounded ring of executors that have fully terminated.
type framework struct {
	info      types.FrameworkInfo
	executors map[types.ExecutorID]*executor

	completed    []types.ExecutorInfo
	maxCompleted int

	shuttingDown bool
	// failoverTimer fires ShutdownFramework internally once the timeout
	// passed to Registry.ArmFailoverTimer has elapsed. It is started and
	// stopped only through ArmFailoverTimer/DisarmFailoverTimer, which no
	// other package in this module calls.
	failoverTimer *time.Timer
}

func newFramework(info types.FrameworkInfo, maxCompleted int) *framework {
	return &framework{
		info:         info,
		executors:    make(map[types.ExecutorID]*executor),
		maxCompleted: maxCompleted,
	}
}

func (f *framework) completeExecutor(id types.ExecutorID) {
	ex, ok := f.executors[id]
	if !ok {
		return
	}
	delete(f.executors, id)

	f.completed = append(f.completed, ex.info)
	if over := len(f.completed) - f.maxCompleted; over > 0 {
		f.completed = f.completed[over:]
	}
}
