// Package experiment builds validated experiment definitions from local inputs.
package experiment

import (
	"fmt"
	"os"
	"strings"

	"hpc-orchestrator/core/apps"
	"hpc-orchestrator/core/errs"
	"hpc-orchestrator/core/models"
)

// Options describe a new experiment
type Options struct {
	Name        string
	Application models.AppKind
	Inputs      []models.InputFile
	Parallelism models.Parallelism
	ReplicaHint int
}

// Initialize validates the options and returns an experiment with no replicas
func Initialize(opts Options) (*models.Experiment, error) {
	const op = "experiment.Initialize"

	if strings.TrimSpace(opts.Name) == "" {
		return nil, errs.Newf(errs.KindValidation, op, "name is required")
	}
	if opts.Parallelism == "" {
		opts.Parallelism = models.ParallelismCPU
	}
	if !opts.Parallelism.Valid() {
		return nil, errs.Newf(errs.KindValidation, op, "invalid parallelism %q", opts.Parallelism)
	}
	if opts.ReplicaHint < 0 {
		return nil, errs.Newf(errs.KindValidation, op, "replica hint must not be negative")
	}

	adapter, err := apps.Lookup(opts.Application)
	if err != nil {
		return nil, errs.New(errs.KindValidation, op, err)
	}

	exp := &models.Experiment{
		Name:        opts.Name,
		Application: opts.Application,
		Inputs:      append([]models.InputFile(nil), opts.Inputs...),
		Parallelism: opts.Parallelism,
		ReplicaHint: opts.ReplicaHint,
	}

	if missing := apps.MissingCategories(adapter, exp); len(missing) > 0 {
		return nil, errs.Newf(errs.KindValidation, op, "%s experiment %q is missing required inputs: %v",
			opts.Application, opts.Name, missing)
	}

	for _, f := range exp.Inputs {
		if err := checkInput(f); err != nil {
			return nil, errs.New(errs.KindValidation, op, err).WithPath(f.Path)
		}
	}
	if err := exp.CheckStagedNames(); err != nil {
		return nil, errs.New(errs.KindValidation, op, err)
	}

	return exp, nil
}

// checkInput verifies a path names a readable regular file
func checkInput(f models.InputFile) error {
	if !validCategory(f.Category) {
		return fmt.Errorf("unknown file category %q", f.Category)
	}
	info, err := os.Stat(f.Path)
	if err != nil {
		return fmt.Errorf("input %s: %w", f.Category, err)
	}
	if info.IsDir() {
		return fmt.Errorf("input %s is a directory", f.Category)
	}
	fh, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("input %s is not readable: %w", f.Category, err)
	}
	return fh.Close()
}

func validCategory(c models.FileCategory) bool {
	for _, known := range models.FileCategories {
		if c == known {
			return true
		}
	}
	return false
}
