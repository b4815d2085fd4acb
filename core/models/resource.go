package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hpc-orchestrator/core/errs"
)

// BackendType represents the remote compute backend a resource lives on
type BackendType string

const (
	BackendSlurm BackendType = "slurm" // Batch cluster reached over SSH
	BackendEC2   BackendType = "ec2"   // On-demand EC2 instance with S3 workdir
	BackendLocal BackendType = "local" // Local processes (development, tests)
)

// Parallelism is the execution mode of an experiment or resource
type Parallelism string

const (
	ParallelismCPU Parallelism = "cpu"
	ParallelismGPU Parallelism = "gpu"
)

// Valid reports whether p is a known parallelism mode
func (p Parallelism) Valid() bool {
	return p == ParallelismCPU || p == ParallelismGPU
}

// Duration is a time.Duration that serializes as a Go duration string ("2h30m0s")
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON encodes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration: %s", string(b))
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML encodes the duration as a string
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML parses a duration string such as "2h" or "90m"
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// ResourceHandle is an opaque reference to a remote compute allocation.
// It is supplied by resource discovery and treated as an immutable value.
type ResourceHandle struct {
	ID          string            `json:"id,omitempty" yaml:"id"`
	Backend     BackendType       `json:"backend" yaml:"backend"`
	Cluster     string            `json:"cluster" yaml:"cluster"`             // Endpoint (login host, region, root dir)
	Category    string            `json:"category,omitempty" yaml:"category"` // Queue class / partition / instance type
	Parallelism Parallelism       `json:"parallelism,omitempty" yaml:"parallelism"`
	Walltime    Duration          `json:"walltime" yaml:"walltime"`
	Nodes       int               `json:"nodes,omitempty" yaml:"nodes"`
	CPUs        int               `json:"cpus,omitempty" yaml:"cpus"`
	GPUs        int               `json:"gpus,omitempty" yaml:"gpus"`
	Constraints map[string]string `json:"constraints,omitempty" yaml:"constraints"`
}

// Validate checks the structural fields only; liveness is never probed here
func (r ResourceHandle) Validate() error {
	const op = "ResourceHandle.Validate"
	if strings.TrimSpace(r.Cluster) == "" {
		return errs.Newf(errs.KindValidation, op, "cluster is required")
	}
	if r.Walltime <= 0 {
		return errs.Newf(errs.KindValidation, op, "walltime must be positive (cluster %s)", r.Cluster)
	}
	switch r.Backend {
	case BackendSlurm, BackendEC2, BackendLocal:
	case "":
		return errs.Newf(errs.KindValidation, op, "backend is required (cluster %s)", r.Cluster)
	default:
		return errs.Newf(errs.KindValidation, op, "unsupported backend %q", r.Backend)
	}
	if r.Parallelism != "" && !r.Parallelism.Valid() {
		return errs.Newf(errs.KindValidation, op, "invalid parallelism %q", r.Parallelism)
	}
	if r.Nodes < 0 || r.CPUs < 0 || r.GPUs < 0 {
		return errs.Newf(errs.KindValidation, op, "negative resource counts")
	}
	return nil
}

// EffectiveParallelism infers the mode when the handle does not declare one
func (r ResourceHandle) EffectiveParallelism() Parallelism {
	if r.Parallelism != "" {
		return r.Parallelism
	}
	if r.GPUs > 0 {
		return ParallelismGPU
	}
	return ""
}

// Clone returns a deep copy
func (r ResourceHandle) Clone() ResourceHandle {
	out := r
	if r.Constraints != nil {
		out.Constraints = make(map[string]string, len(r.Constraints))
		for k, v := range r.Constraints {
			out.Constraints[k] = v
		}
	}
	return out
}
