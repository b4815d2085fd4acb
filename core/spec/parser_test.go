package spec

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hpc-orchestrator/core/errs"
	"hpc-orchestrator/core/models"
)

const namdSpec = `
experiment:
  name: ubiquitin
  application: NAMD
  parallelism: cpu
  inputs:
    config: [ubq.conf]
    topology: [ubq.psf]
    coordinate: [ubq.pdb]
    parameter: [par_all36.prm, water.prm]
  replicas:
    - backend: slurm
      cluster: frontera.tacc.utexas.edu
      category: normal
      walltime: 2h
      nodes: 1
      cpus: 56
      count: 2
    - backend: local
      cluster: /tmp/runs
      walltime: 30m
      constraints:
        namd_binary: namd2
`

func TestParseExperimentSpec(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"ubq.conf", "ubq.psf", "ubq.pdb", "par_all36.prm", "water.prm"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}

	exp, err := ParseExperimentSpec(namdSpec, dir)
	require.NoError(t, err)

	assert.Equal(t, "ubiquitin", exp.Name)
	assert.Equal(t, models.AppNAMD, exp.Application)
	require.Len(t, exp.Inputs, 5)
	assert.Equal(t, filepath.Join(dir, "ubq.conf"), exp.Inputs[0].Path)
	assert.Equal(t, models.FileParameter, exp.Inputs[4].Category)

	require.Len(t, exp.Replicas, 3)
	assert.Equal(t, exp.Replicas[0], exp.Replicas[1])
	assert.Equal(t, 2*time.Hour, exp.Replicas[0].Walltime.Std())
	assert.Equal(t, models.BackendLocal, exp.Replicas[2].Backend)
	assert.Equal(t, "namd2", exp.Replicas[2].Constraints["namd_binary"])
}

func TestParseExperimentSpecErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("echo"), 0o644))

	tests := []struct {
		name string
		yaml string
	}{
		{name: "malformed", yaml: "experiment: [unterminated"},
		{name: "unknown field", yaml: "experiment:\n  name: x\n  application: generic\n  colour: red\n"},
		{name: "unknown category", yaml: "experiment:\n  name: x\n  application: generic\n  inputs:\n    restart: [a.rst]\n"},
		{name: "missing walltime", yaml: "experiment:\n  name: x\n  application: generic\n  inputs:\n    config: [run.sh]\n  replicas:\n    - backend: local\n      cluster: /tmp\n"},
		{name: "bad walltime", yaml: "experiment:\n  name: x\n  application: generic\n  inputs:\n    config: [run.sh]\n  replicas:\n    - backend: local\n      cluster: /tmp\n      walltime: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseExperimentSpec(tt.yaml, dir)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrValidation), "got %v", err)
		})
	}
}
