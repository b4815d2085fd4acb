package models

import (
	"encoding/json"
	"time"
)

// TaskState is the canonical lifecycle state of a task
type TaskState string

const (
	TaskStatePending   TaskState = "pending" // Materialized, not yet submitted
	TaskStateQueued    TaskState = "queued"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// IsTerminal reports whether no further transition is possible
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

// IsLive reports whether the task has a live remote job
func (s TaskState) IsLive() bool {
	return s == TaskStateQueued || s == TaskStateRunning
}

// Task is one unit of remote execution bound to a single resource handle
type Task struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Index    int            `json:"index"`
	Resource ResourceHandle `json:"resource"`
	WorkDir  string         `json:"workdir,omitempty"` // Empty until launch creates it
	JobID    string         `json:"job_id,omitempty"`  // Empty until a submission succeeds
	State    TaskState      `json:"state"`
	RawState string         `json:"raw_state,omitempty"` // Last backend-specific state
	StatusAt *time.Time     `json:"status_at,omitempty"`
	Error    string         `json:"error,omitempty"`

	// Extra holds fields this version does not understand; they are written back unchanged
	Extra map[string]json.RawMessage `json:"-"`
}

type taskAlias Task

var taskKeys = jsonKeys(taskAlias{})

// MarshalJSON writes the known fields followed by preserved unknown ones
func (t Task) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(taskAlias(t), t.Extra)
}

// UnmarshalJSON reads the known fields and keeps the rest in Extra
func (t *Task) UnmarshalJSON(b []byte) error {
	var a taskAlias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	extra, err := unknownFields(b, taskKeys)
	if err != nil {
		return err
	}
	*t = Task(a)
	t.Extra = extra
	return nil
}

// Clone returns a deep copy
func (t Task) Clone() Task {
	out := t
	out.Resource = t.Resource.Clone()
	if t.StatusAt != nil {
		at := *t.StatusAt
		out.StatusAt = &at
	}
	out.Extra = cloneExtra(t.Extra)
	return out
}
