// Package checkpoint implements the atomic, append-style on-disk
// persistence described by the directory layout in paths.go. Every write is
// synchronous from the caller's point of view: a call returns only after
// the data is fsynced. Callers are expected to be single-threaded actors
// that own the paths they write — the store itself does no additional
// serialization, only per-write atomicity (temp + fsync + rename for
// single records, frame + fsync for the append-only update log).
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/agentcore/pkg/types"
)

// Store is the checkpoint store for one agent instance, rooted at workDir.
type Store struct {
	workDir string
	agentID types.AgentID
}

// New creates a Store rooted at workDir for the given agent-ID. The
// agent-ID may be empty until the first successful registration; call
// SetAgentID once the master assigns one.
func New(workDir string, agentID types.AgentID) *Store {
	return &Store{workDir: workDir, agentID: agentID}
}

// SetAgentID updates the agent-ID used to compute checkpoint paths, for the
// cold-start case where the ID is not known until registration completes.
func (s *Store) SetAgentID(id types.AgentID) {
	s.agentID = id
}

// WriteAgentInfo persists slave.info.
func (s *Store) WriteAgentInfo(info types.AgentInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal agent info: %w", err)
	}
	return writeAtomic(slaveInfoPath(s.workDir, string(s.agentID)), data)
}

// ReadAgentInfo reads slave.info. ok is false if it does not exist (a cold
// start).
func (s *Store) ReadAgentInfo() (info types.AgentInfo, ok bool, err error) {
	data, present, err := readFile(slaveInfoPath(s.workDir, string(s.agentID)))
	if err != nil || !present {
		return types.AgentInfo{}, false, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return types.AgentInfo{}, false, fmt.Errorf("unmarshal agent info: %w", err)
	}
	return info, true, nil
}

// WriteFrameworkInfo persists framework.info for a framework.
func (s *Store) WriteFrameworkInfo(fw types.FrameworkInfo) error {
	data, err := json.Marshal(fw)
	if err != nil {
		return fmt.Errorf("marshal framework info: %w", err)
	}
	return writeAtomic(frameworkInfoPath(s.workDir, string(s.agentID), string(fw.ID)), data)
}

// WriteExecutorInfo persists executor.info under the given run directory.
func (s *Store) WriteExecutorInfo(runDir string, ex types.ExecutorInfo) error {
	data, err := json.Marshal(ex)
	if err != nil {
		return fmt.Errorf("marshal executor info: %w", err)
	}
	return writeAtomic(executorInfoPath(runDir), data)
}

// WritePID persists the OS PID of a launched executor.
func (s *Store) WritePID(runDir string, pid int) error {
	return writeAtomic(pidPath(runDir), []byte(fmt.Sprintf("%d", pid)))
}

// WriteForkedPID persists the PID of a forked launcher helper. Neither
// isolator backend in this module uses one or calls this: the process
// backend starts the executor as a direct child of the agent.
func (s *Store) WriteForkedPID(runDir string, pid int) error {
	return writeAtomic(forkedPidPath(runDir), []byte(fmt.Sprintf("%d", pid)))
}

// WriteTaskInfo persists task.info under the given run directory.
func (s *Store) WriteTaskInfo(runDir string, task types.TaskInfo) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task info: %w", err)
	}
	return writeAtomic(taskInfoPath(runDir, string(task.ID)), data)
}

// UpdateLogEntry is one frame of a task's updates log: either a new update
// produced for the stream, or an acknowledgement of a previously appended
// update.
type UpdateLogEntry struct {
	Update  *types.StatusUpdate `json:"update,omitempty"`
	AckUUID types.UpdateUUID     `json:"ack_uuid,omitempty"`
}

// AppendUpdate durably appends a StatusUpdate to the task's updates log.
func (s *Store) AppendUpdate(runDir string, update types.StatusUpdate) error {
	entry := UpdateLogEntry{Update: &update}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	return appendFramedRecord(updatesLogPath(runDir, string(update.TaskID)), payload)
}

// AppendAck durably appends an acknowledgement record for updateUUID to the
// task's updates log.
func (s *Store) AppendAck(runDir string, taskID types.TaskID, updateUUID types.UpdateUUID) error {
	entry := UpdateLogEntry{AckUUID: updateUUID}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ack: %w", err)
	}
	return appendFramedRecord(updatesLogPath(runDir, string(taskID)), payload)
}

// ReadUpdateLog replays every well-formed entry in a task's updates log, in
// append order. Callers use this during recovery to reconstruct stream
// state (pkg/statusupdate.Recover).
func (s *Store) ReadUpdateLog(runDir string, taskID types.TaskID) ([]UpdateLogEntry, error) {
	frames, err := readFramedRecords(updatesLogPath(runDir, string(taskID)))
	if err != nil {
		return nil, err
	}
	entries := make([]UpdateLogEntry, 0, len(frames))
	for _, frame := range frames {
		var entry UpdateLogEntry
		if err := json.Unmarshal(frame, &entry); err != nil {
			// A corrupt (but checksum-valid) record is a bug elsewhere, not
			// a crash-consistency issue; surface it rather than silently
			// dropping a decodable record.
			return nil, fmt.Errorf("unmarshal update log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// RemoveAgentDir deletes the entire checkpoint tree for this agent-ID. Used
// only by tests and by explicit operator cleanup — the core never calls it
// as part of normal task-lifecycle handling.
func (s *Store) RemoveAgentDir() error {
	return os.RemoveAll(agentDir(s.workDir, string(s.agentID)))
}

// RunDir returns the directory a newly launched executor instance should
// use for its checkpoint records, derived from this store's work-dir and
// agent-ID.
func (s *Store) RunDir(frameworkID types.FrameworkID, executorID types.ExecutorID, containerUUID string) string {
	return RunDir(s.workDir, string(s.agentID), string(frameworkID), string(executorID), containerUUID)
}
