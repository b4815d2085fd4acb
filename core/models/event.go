package models

import "time"

// PlanEvent represents a state transition of a plan or one of its tasks
type PlanEvent struct {
	ID        int64                  `json:"id"`
	PlanID    string                 `json:"plan_id"`
	TaskID    string                 `json:"task_id,omitempty"` // Empty for plan-level transitions
	At        time.Time              `json:"at"`
	FromState string                 `json:"from_state,omitempty"`
	ToState   string                 `json:"to_state"`
	Reason    string                 `json:"reason,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"` // Additional metadata
}

// ArtifactKind represents the direction of a recorded transfer
type ArtifactKind string

const (
	ArtifactUpload   ArtifactKind = "upload"
	ArtifactDownload ArtifactKind = "download"
)

// TaskArtifact records one file moved into or out of a task working directory
type TaskArtifact struct {
	ID        int64                  `json:"id"`
	PlanID    string                 `json:"plan_id"`
	TaskID    string                 `json:"task_id"`
	Kind      ArtifactKind           `json:"kind"`
	Path      string                 `json:"path"` // Relative to the task working directory
	Size      int64                  `json:"size"`
	CreatedAt time.Time              `json:"created_at"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// StateChanges diffs two versions of a plan into the events that separate them
func StateChanges(prev *Plan, next *Plan, reason string) []PlanEvent {
	at := next.UpdatedAt
	if at.IsZero() {
		at = Now()
	}

	var events []PlanEvent
	var from PlanState
	if prev != nil {
		from = prev.State
	}
	if prev == nil || from != next.State {
		events = append(events, PlanEvent{
			PlanID:    next.ID,
			At:        at,
			FromState: string(from),
			ToState:   string(next.State),
			Reason:    reason,
		})
	}

	previous := make(map[string]TaskState)
	if prev != nil {
		for _, t := range prev.Tasks {
			previous[t.ID] = t.State
		}
	}
	for _, t := range next.Tasks {
		old, seen := previous[t.ID]
		if seen && old == t.State {
			continue
		}
		if !seen && t.State == TaskStatePending {
			continue
		}
		ev := PlanEvent{
			PlanID:    next.ID,
			TaskID:    t.ID,
			At:        at,
			FromState: string(old),
			ToState:   string(t.State),
			Reason:    reason,
		}
		if t.JobID != "" || t.Error != "" {
			ev.Meta = map[string]interface{}{}
			if t.JobID != "" {
				ev.Meta["job_id"] = t.JobID
			}
			if t.Error != "" {
				ev.Meta["error"] = t.Error
			}
		}
		events = append(events, ev)
	}
	return events
}
