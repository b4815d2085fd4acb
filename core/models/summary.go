package models

import (
	"path/filepath"
	"time"
)

// ExperimentView is a display projection of an experiment
type ExperimentView struct {
	Name        string              `json:"name"`
	Application AppKind             `json:"application"`
	Parallelism Parallelism         `json:"parallelism"`
	Files       map[string][]string `json:"files"` // Base names per category
	Replicas    int                 `json:"replicas"`
	Clusters    []string            `json:"clusters"`
}

// TaskView is a display projection of a task
type TaskView struct {
	Index   int       `json:"index"`
	Name    string    `json:"name"`
	Cluster string    `json:"cluster"`
	Backend string    `json:"backend"`
	JobID   string    `json:"job_id,omitempty"`
	State   TaskState `json:"state"`
	Raw     string    `json:"raw_state,omitempty"`
	Error   string    `json:"error,omitempty"`
	Updated string    `json:"updated,omitempty"`
}

// PlanView is a display projection of a plan
type PlanView struct {
	ID         string            `json:"id,omitempty"`
	Name       string            `json:"name"`
	State      PlanState         `json:"state"`
	Experiment ExperimentView    `json:"experiment"`
	Tasks      []TaskView        `json:"tasks"`
	Counts     map[TaskState]int `json:"counts"`
	Persisted  []string          `json:"persisted"` // "remote", "local"
}

// SummarizeExperiment projects an experiment for display
func SummarizeExperiment(e Experiment) ExperimentView {
	v := ExperimentView{
		Name:        e.Name,
		Application: e.Application,
		Parallelism: e.Parallelism,
		Files:       make(map[string][]string),
		Replicas:    len(e.Replicas),
	}
	for _, f := range e.Inputs {
		v.Files[string(f.Category)] = append(v.Files[string(f.Category)], filepath.Base(f.Path))
	}
	seen := make(map[string]bool)
	for _, r := range e.Replicas {
		if !seen[r.Cluster] {
			seen[r.Cluster] = true
			v.Clusters = append(v.Clusters, r.Cluster)
		}
	}
	return v
}

// SummarizeTask projects a task for display
func SummarizeTask(t Task) TaskView {
	v := TaskView{
		Index:   t.Index,
		Name:    t.Name,
		Cluster: t.Resource.Cluster,
		Backend: string(t.Resource.Backend),
		JobID:   t.JobID,
		State:   t.State,
		Raw:     t.RawState,
		Error:   t.Error,
	}
	if t.StatusAt != nil {
		v.Updated = t.StatusAt.Format(time.RFC3339)
	}
	return v
}

// SummarizePlan projects a plan for display
func SummarizePlan(p Plan) PlanView {
	v := PlanView{
		ID:         p.ID,
		Name:       p.Name,
		State:      p.State,
		Experiment: SummarizeExperiment(p.Experiment),
		Tasks:      make([]TaskView, 0, len(p.Tasks)),
		Counts:     make(map[TaskState]int),
		Persisted:  []string{},
	}
	for _, t := range p.Tasks {
		v.Tasks = append(v.Tasks, SummarizeTask(t))
		v.Counts[t.State]++
	}
	if p.ID != "" {
		v.Persisted = append(v.Persisted, "remote")
	}
	if p.LocalPath != "" {
		v.Persisted = append(v.Persisted, "local")
	}
	return v
}
