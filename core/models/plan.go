package models

import (
	"encoding/json"
	"time"
)

// PlanState represents the lifecycle state of a plan
type PlanState string

const (
	PlanStateDraft     PlanState = "draft"     // Materialized, never persisted
	PlanStateSaved     PlanState = "saved"     // Persisted, not launched
	PlanStateLaunched  PlanState = "launched"  // Submission in flight or all tasks queued
	PlanStateRunning   PlanState = "running"   // At least one task confirmed running
	PlanStateCompleted PlanState = "completed" // Every task completed
	PlanStateFailed    PlanState = "failed"    // A task failed and no stop was requested
	PlanStateStopped   PlanState = "stopped"   // User-initiated termination
)

// IsTerminal reports whether the state is final
func (s PlanState) IsTerminal() bool {
	switch s {
	case PlanStateCompleted, PlanStateFailed, PlanStateStopped:
		return true
	}
	return false
}

// IsLaunched reports whether launch has been attempted
func (s PlanState) IsLaunched() bool {
	return s != PlanStateDraft && s != PlanStateSaved && s != ""
}

// Plan is the persistable aggregate of tasks materialized from an experiment
type Plan struct {
	ID            string     `json:"id,omitempty"` // Assigned by the first remote save
	Name          string     `json:"name"`
	Experiment    Experiment `json:"experiment"`
	Tasks         []Task     `json:"tasks"`
	State         PlanState  `json:"state"`
	StopRequested bool       `json:"stop_requested,omitempty"`
	Version       int64      `json:"version,omitempty"` // Remote revision, bumped per save
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	SavedAt       *time.Time `json:"saved_at,omitempty"`
	LaunchedAt    *time.Time `json:"launched_at,omitempty"`
	LocalPath     string     `json:"local_path,omitempty"` // Last local snapshot location

	// Extra holds fields this version does not understand; they are written back unchanged
	Extra map[string]json.RawMessage `json:"-"`
}

type planAlias Plan

var planKeys = jsonKeys(planAlias{})

// MarshalJSON writes the known fields followed by preserved unknown ones
func (p Plan) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(planAlias(p), p.Extra)
}

// UnmarshalJSON reads the known fields and keeps the rest in Extra
func (p *Plan) UnmarshalJSON(b []byte) error {
	var a planAlias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	extra, err := unknownFields(b, planKeys)
	if err != nil {
		return err
	}
	*p = Plan(a)
	p.Extra = extra
	return nil
}

// Clone returns a deep copy
func (p Plan) Clone() Plan {
	out := p
	out.Experiment = p.Experiment.Clone()
	if p.Tasks != nil {
		out.Tasks = make([]Task, len(p.Tasks))
		for i, t := range p.Tasks {
			out.Tasks[i] = t.Clone()
		}
	}
	if p.SavedAt != nil {
		at := *p.SavedAt
		out.SavedAt = &at
	}
	if p.LaunchedAt != nil {
		at := *p.LaunchedAt
		out.LaunchedAt = &at
	}
	out.Extra = cloneExtra(p.Extra)
	return out
}

// TaskStates returns the state of every task, in task order
func (p *Plan) TaskStates() []TaskState {
	out := make([]TaskState, len(p.Tasks))
	for i, t := range p.Tasks {
		out[i] = t.State
	}
	return out
}

// PlanSummary is the row returned by remote store queries
type PlanSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	State       PlanState `json:"state"`
	Application AppKind   `json:"application"`
	TaskCount   int       `json:"task_count"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PlanFilter narrows remote store queries
type PlanFilter struct {
	State *PlanState
	Name  string
	Limit int
}
