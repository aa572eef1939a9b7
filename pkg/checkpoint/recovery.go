package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/agentcore/pkg/types"
)

// RecoveredTask is one task.info plus the replayed state of its updates
// log, as found on disk for one executor run.
type RecoveredTask struct {
	Info        types.TaskInfo
	Updates     []types.StatusUpdate
	AckedUUIDs  map[types.UpdateUUID]struct{}
}

// RecoveredRun is one run directory (one container-uuid) of an executor.
type RecoveredRun struct {
	ContainerUUID string
	Dir           string
	Info          types.ExecutorInfo
	PID           int
	HasPID        bool
	ForkedPID     int
	HasForkedPID  bool
	Tasks         []RecoveredTask
}

// RecoveredExecutor groups every run directory found for one executor-ID.
// Multiple runs occur when an executor has been relaunched; callers treat
// every run but the most recently modified as stale per spec.
type RecoveredExecutor struct {
	ID   types.ExecutorID
	Runs []RecoveredRun
}

// RecoveredFramework is one framework.info plus its executors.
type RecoveredFramework struct {
	Info      types.FrameworkInfo
	Executors []RecoveredExecutor
}

// RecoveredState is the full reconstruction of an agent's on-disk
// checkpoint tree, as read back during the agent's recovery protocol.
type RecoveredState struct {
	AgentInfo    types.AgentInfo
	HasAgentInfo bool
	Frameworks   []RecoveredFramework
}

// Recover walks the on-disk checkpoint tree for this store's agent-ID and
// reconstructs everything that was durably recorded. It never fails on a
// missing optional file (pid, forked.pid, an empty frameworks directory);
// it fails only on I/O errors and malformed JSON in a record that was
// itself checksum-valid, since that indicates corruption the crash-safety
// design does not account for.
func (s *Store) Recover() (RecoveredState, error) {
	var state RecoveredState

	info, ok, err := s.ReadAgentInfo()
	if err != nil {
		return state, fmt.Errorf("read agent info: %w", err)
	}
	state.AgentInfo, state.HasAgentInfo = info, ok

	fwDir := frameworksDir(s.workDir, string(s.agentID))
	fwIDs, err := listDirNames(fwDir)
	if err != nil {
		return state, fmt.Errorf("list frameworks dir: %w", err)
	}

	for _, fwID := range fwIDs {
		fw, err := s.recoverFramework(fwID)
		if err != nil {
			return state, err
		}
		state.Frameworks = append(state.Frameworks, fw)
	}

	return state, nil
}

func (s *Store) recoverFramework(frameworkID string) (RecoveredFramework, error) {
	var rf RecoveredFramework

	data, ok, err := readFile(frameworkInfoPath(s.workDir, string(s.agentID), frameworkID))
	if err != nil {
		return rf, fmt.Errorf("read framework.info for %s: %w", frameworkID, err)
	}
	if ok {
		if err := json.Unmarshal(data, &rf.Info); err != nil {
			return rf, fmt.Errorf("unmarshal framework.info for %s: %w", frameworkID, err)
		}
	} else {
		rf.Info = types.FrameworkInfo{ID: types.FrameworkID(frameworkID)}
	}

	exIDs, err := listDirNames(executorsDir(s.workDir, string(s.agentID), frameworkID))
	if err != nil {
		return rf, fmt.Errorf("list executors dir for framework %s: %w", frameworkID, err)
	}

	for _, exID := range exIDs {
		re, err := s.recoverExecutor(frameworkID, exID)
		if err != nil {
			return rf, err
		}
		rf.Executors = append(rf.Executors, re)
	}

	return rf, nil
}

func (s *Store) recoverExecutor(frameworkID, executorID string) (RecoveredExecutor, error) {
	re := RecoveredExecutor{ID: types.ExecutorID(executorID)}

	runIDs, err := listDirNames(runsDir(s.workDir, string(s.agentID), frameworkID, executorID))
	if err != nil {
		return re, fmt.Errorf("list runs dir for executor %s: %w", executorID, err)
	}

	for _, runID := range runIDs {
		runDir := RunDir(s.workDir, string(s.agentID), frameworkID, executorID, runID)
		run, err := s.recoverRun(runID, runDir)
		if err != nil {
			return re, err
		}
		re.Runs = append(re.Runs, run)
	}

	return re, nil
}

func (s *Store) recoverRun(containerUUID, runDir string) (RecoveredRun, error) {
	run := RecoveredRun{ContainerUUID: containerUUID, Dir: runDir}

	data, ok, err := readFile(executorInfoPath(runDir))
	if err != nil {
		return run, fmt.Errorf("read executor.info in %s: %w", runDir, err)
	}
	if ok {
		if err := json.Unmarshal(data, &run.Info); err != nil {
			return run, fmt.Errorf("unmarshal executor.info in %s: %w", runDir, err)
		}
	}

	if pid, ok, err := readIntFile(pidPath(runDir)); err != nil {
		return run, fmt.Errorf("read pid in %s: %w", runDir, err)
	} else if ok {
		run.PID, run.HasPID = pid, true
	}

	if pid, ok, err := readIntFile(forkedPidPath(runDir)); err != nil {
		return run, fmt.Errorf("read forked.pid in %s: %w", runDir, err)
	} else if ok {
		run.ForkedPID, run.HasForkedPID = pid, true
	}

	taskIDs, err := listDirNames(tasksDir(runDir))
	if err != nil {
		return run, fmt.Errorf("list tasks dir in %s: %w", runDir, err)
	}

	for _, taskID := range taskIDs {
		task, err := s.recoverTask(runDir, taskID)
		if err != nil {
			return run, err
		}
		run.Tasks = append(run.Tasks, task)
	}

	return run, nil
}

func (s *Store) recoverTask(runDir, taskID string) (RecoveredTask, error) {
	var rt RecoveredTask
	rt.AckedUUIDs = make(map[types.UpdateUUID]struct{})

	data, ok, err := readFile(taskInfoPath(runDir, taskID))
	if err != nil {
		return rt, fmt.Errorf("read task.info for %s: %w", taskID, err)
	}
	if ok {
		if err := json.Unmarshal(data, &rt.Info); err != nil {
			return rt, fmt.Errorf("unmarshal task.info for %s: %w", taskID, err)
		}
	}

	entries, err := s.ReadUpdateLog(runDir, types.TaskID(taskID))
	if err != nil {
		return rt, fmt.Errorf("read updates log for %s: %w", taskID, err)
	}
	for _, entry := range entries {
		switch {
		case entry.Update != nil:
			rt.Updates = append(rt.Updates, *entry.Update)
		case entry.AckUUID != "":
			rt.AckedUUIDs[entry.AckUUID] = struct{}{}
		}
	}

	return rt, nil
}

func listDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func readIntFile(path string) (int, bool, error) {
	data, ok, err := readFile(path)
	if err != nil || !ok {
		return 0, ok, err
	}
	var v int
	if _, err := fmt.Sscanf(string(data), "%d", &v); err != nil {
		return 0, false, fmt.Errorf("parse int file %s: %w", path, err)
	}
	return v, true, nil
}
