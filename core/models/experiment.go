package models

import (
	"fmt"
	"path/filepath"

	"hpc-orchestrator/core/errs"
)

// AppKind identifies the scientific application an experiment runs
type AppKind string

const (
	AppNAMD    AppKind = "namd"
	AppGROMACS AppKind = "gromacs"
	AppGeneric AppKind = "generic"
)

// FileCategory classifies an experiment input file
type FileCategory string

const (
	FileConfig     FileCategory = "config"
	FileTopology   FileCategory = "topology"
	FileCoordinate FileCategory = "coordinate"
	FileParameter  FileCategory = "parameter"
	FileOther      FileCategory = "other"
)

// FileCategories lists every category in display order
var FileCategories = []FileCategory{FileConfig, FileTopology, FileCoordinate, FileParameter, FileOther}

// InputFile is one local input file of an experiment
type InputFile struct {
	Category FileCategory `json:"category" yaml:"category"`
	Path     string       `json:"path" yaml:"path"`
}

// Experiment is the declarative definition of an application run.
// Plans keep a deep copy, so editing an Experiment never reaches a Plan
// already materialized from it.
type Experiment struct {
	Name        string           `json:"name"`
	Application AppKind          `json:"application"`
	Inputs      []InputFile      `json:"inputs"`
	Parallelism Parallelism      `json:"parallelism"`
	ReplicaHint int              `json:"replica_hint,omitempty"`
	Replicas    []ResourceHandle `json:"replicas"`
}

// AddReplica appends one or more resource handles to the experiment
func (e *Experiment) AddReplica(handles ...ResourceHandle) error {
	const op = "Experiment.AddReplica"
	if len(handles) == 0 {
		return errs.Newf(errs.KindValidation, op, "at least one resource handle is required")
	}

	// Validate everything first so a bad handle leaves the list untouched
	for i, h := range handles {
		if err := h.Validate(); err != nil {
			return errs.Newf(errs.KindValidation, op, "replica %d: %w", i, err)
		}
		if p := h.EffectiveParallelism(); p != "" && p != e.Parallelism {
			return errs.Newf(errs.KindValidation, op,
				"replica %d on %s is %s but experiment %q is %s", i, h.Cluster, p, e.Name, e.Parallelism)
		}
	}

	for _, h := range handles {
		e.Replicas = append(e.Replicas, h.Clone())
	}
	return nil
}

// FilesIn returns the inputs of one category, in declaration order
func (e *Experiment) FilesIn(category FileCategory) []InputFile {
	var out []InputFile
	for _, f := range e.Inputs {
		if f.Category == category {
			out = append(out, f)
		}
	}
	return out
}

// StagedName is the file name an input gets in a task working directory
func (f InputFile) StagedName() string {
	return filepath.Base(f.Path)
}

// CheckStagedNames fails when two inputs would be staged under one name
func (e *Experiment) CheckStagedNames() error {
	seen := make(map[string]string, len(e.Inputs))
	for _, f := range e.Inputs {
		name := f.StagedName()
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("inputs %s and %s are both staged as %s", prev, f.Path, name)
		}
		seen[name] = f.Path
	}
	return nil
}

// Clone returns a deep copy
func (e Experiment) Clone() Experiment {
	out := e
	out.Inputs = append([]InputFile(nil), e.Inputs...)
	if e.Replicas != nil {
		out.Replicas = make([]ResourceHandle, len(e.Replicas))
		for i, r := range e.Replicas {
			out.Replicas[i] = r.Clone()
		}
	}
	return out
}
