package checkpoint

import "path/filepath"

// Directory layout (relative to work_dir):
//
//	meta/slaves/<agent-id>/
//	  slave.info
//	  frameworks/<framework-id>/
//	    framework.info
//	    executors/<executor-id>/
//	      runs/<container-uuid>/
//	        executor.info
//	        pid
//	        forked.pid
//	        tasks/<task-id>/
//	          task.info
//	          updates

func agentDir(workDir string, agentID string) string {
	return filepath.Join(workDir, "meta", "slaves", agentID)
}

func slaveInfoPath(workDir, agentID string) string {
	return filepath.Join(agentDir(workDir, agentID), "slave.info")
}

func frameworksDir(workDir, agentID string) string {
	return filepath.Join(agentDir(workDir, agentID), "frameworks")
}

func frameworkDir(workDir, agentID, frameworkID string) string {
	return filepath.Join(frameworksDir(workDir, agentID), frameworkID)
}

func frameworkInfoPath(workDir, agentID, frameworkID string) string {
	return filepath.Join(frameworkDir(workDir, agentID, frameworkID), "framework.info")
}

func executorsDir(workDir, agentID, frameworkID string) string {
	return filepath.Join(frameworkDir(workDir, agentID, frameworkID), "executors")
}

func executorDir(workDir, agentID, frameworkID, executorID string) string {
	return filepath.Join(executorsDir(workDir, agentID, frameworkID), executorID)
}

func runsDir(workDir, agentID, frameworkID, executorID string) string {
	return filepath.Join(executorDir(workDir, agentID, frameworkID, executorID), "runs")
}

// RunDir returns the directory for one launch instance (container-uuid) of
// an executor. Re-launches of the same executor-ID get a fresh uuid and a
// fresh directory, so a stale run is never mistaken for the live one.
func RunDir(workDir, agentID, frameworkID, executorID, containerUUID string) string {
	return filepath.Join(runsDir(workDir, agentID, frameworkID, executorID), containerUUID)
}

func executorInfoPath(runDir string) string {
	return filepath.Join(runDir, "executor.info")
}

func pidPath(runDir string) string {
	return filepath.Join(runDir, "pid")
}

func forkedPidPath(runDir string) string {
	return filepath.Join(runDir, "forked.pid")
}

func tasksDir(runDir string) string {
	return filepath.Join(runDir, "tasks")
}

func taskDir(runDir, taskID string) string {
	return filepath.Join(tasksDir(runDir), taskID)
}

func taskInfoPath(runDir, taskID string) string {
	return filepath.Join(taskDir(runDir, taskID), "task.info")
}

func updatesLogPath(runDir, taskID string) string {
	return filepath.Join(taskDir(runDir, taskID), "updates")
}
