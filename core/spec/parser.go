package spec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"hpc-orchestrator/core/errs"
	"hpc-orchestrator/core/experiment"
	"hpc-orchestrator/core/models"
)

// ExperimentSpec represents the YAML experiment specification
type ExperimentSpec struct {
	Experiment ExperimentSpecBody `yaml:"experiment"`
}

// ExperimentSpecBody represents the experiment section of the spec
type ExperimentSpecBody struct {
	Name        string              `yaml:"name"`
	Application string              `yaml:"application"`
	Parallelism string              `yaml:"parallelism"`
	ReplicaHint int                 `yaml:"replica_hint"`
	Inputs      map[string][]string `yaml:"inputs"` // category -> paths
	Replicas    []ReplicaSpec       `yaml:"replicas"`
}

// ReplicaSpec represents one resource handle, optionally repeated
type ReplicaSpec struct {
	models.ResourceHandle `yaml:",inline"`
	Count                 int `yaml:"count"` // Number of identical replicas (default 1)
}

// ParseExperimentSpec parses a YAML experiment specification into a validated
// experiment. Relative input paths are resolved against baseDir.
func ParseExperimentSpec(specYAML string, baseDir string) (*models.Experiment, error) {
	const op = "spec.ParseExperimentSpec"

	var spec ExperimentSpec
	dec := yaml.NewDecoder(bytes.NewReader([]byte(specYAML)))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil && !errors.Is(err, io.EOF) {
		return nil, errs.Newf(errs.KindValidation, op, "failed to parse YAML: %w", err)
	}
	body := spec.Experiment

	inputs, err := resolveInputs(body.Inputs, baseDir)
	if err != nil {
		return nil, errs.New(errs.KindValidation, op, err)
	}

	exp, err := experiment.Initialize(experiment.Options{
		Name:        body.Name,
		Application: models.AppKind(strings.ToLower(body.Application)),
		Inputs:      inputs,
		Parallelism: models.Parallelism(strings.ToLower(body.Parallelism)),
		ReplicaHint: body.ReplicaHint,
	})
	if err != nil {
		return nil, err
	}

	handles, err := expandReplicas(body.Replicas)
	if err != nil {
		return nil, errs.New(errs.KindValidation, op, err)
	}
	if len(handles) > 0 {
		if err := exp.AddReplica(handles...); err != nil {
			return nil, err
		}
	}

	return exp, nil
}

// resolveInputs flattens the category map in category order
func resolveInputs(byCategory map[string][]string, baseDir string) ([]models.InputFile, error) {
	known := make(map[string]bool, len(models.FileCategories))
	for _, c := range models.FileCategories {
		known[string(c)] = true
	}
	for c := range byCategory {
		if !known[c] {
			return nil, fmt.Errorf("unknown input category %q", c)
		}
	}

	var inputs []models.InputFile
	for _, c := range models.FileCategories {
		for _, p := range byCategory[string(c)] {
			if p == "" {
				return nil, fmt.Errorf("empty %s path", c)
			}
			if !filepath.IsAbs(p) && baseDir != "" {
				p = filepath.Join(baseDir, p)
			}
			inputs = append(inputs, models.InputFile{Category: c, Path: p})
		}
	}
	return inputs, nil
}

// expandReplicas repeats each replica Count times
func expandReplicas(replicas []ReplicaSpec) ([]models.ResourceHandle, error) {
	var handles []models.ResourceHandle
	for i, r := range replicas {
		count := r.Count
		if count == 0 {
			count = 1
		}
		if count < 0 {
			return nil, fmt.Errorf("replica %d: count must be positive", i)
		}
		h := r.ResourceHandle
		h.Backend = models.BackendType(strings.ToLower(string(h.Backend)))
		h.Parallelism = models.Parallelism(strings.ToLower(string(h.Parallelism)))
		for n := 0; n < count; n++ {
			handles = append(handles, h.Clone())
		}
	}
	return handles, nil
}
