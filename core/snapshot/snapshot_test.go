package snapshot

import (
	"encoding/json"
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

func samplePlan() *models.Plan {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	res := models.ResourceHandle{Backend: models.BackendSlurm, Cluster: "frontera", Category: "normal", Walltime: models.Duration(2 * time.Hour), CPUs: 56}
	return &models.Plan{
		ID:   "6f1c8f3e-1111-4d5e-9f00-000000000001",
		Name: "ubiquitin",
		Experiment: models.Experiment{
			Name:        "ubiquitin",
			Application: models.AppNAMD,
			Parallelism: models.ParallelismCPU,
			Inputs:      []models.InputFile{{Category: models.FileConfig, Path: "/data/ubq.conf"}},
			Replicas:    []models.ResourceHandle{res, res},
		},
		Tasks: []models.Task{
			{ID: "t0", Name: "ubiquitin-r0", Index: 0, Resource: res, State: models.TaskStateRunning, JobID: "101", WorkDir: "/scratch/r0"},
			{ID: "t1", Name: "ubiquitin-r1", Index: 1, Resource: res, State: models.TaskStateQueued, JobID: "102", WorkDir: "/scratch/r1"},
		},
		State:     models.PlanStateRunning,
		CreatedAt: created,
		UpdatedAt: created,
		Extra:     map[string]json.RawMessage{"notes": json.RawMessage(`"keep me"`)},
	}
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "plan.json")
	p := samplePlan()

	require.NoError(t, Write(path, p))
	got, err := Read(path)
	require.NoError(t, err)

	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, p.Experiment, got.Experiment)
	assert.Equal(t, p.Tasks, got.Tasks)
	assert.Equal(t, p.State, got.State)
	assert.Equal(t, json.RawMessage(`"keep me"`), got.Extra["notes"])
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.json")
	require.NoError(t, Write(path, samplePlan()))
	require.NoError(t, Write(path, samplePlan()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "plan.json", entries[0].Name())
}

func TestReadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Read(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	_, err = Read(bad)
	require.Error(t, err)
	assert.Equal(t, errs.KindPersistence, errs.KindOf(err))

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o644))
	_, err = Read(empty)
	assert.Equal(t, errs.KindPersistence, errs.KindOf(err))
}

func TestWriteRejectsEmptyPath(t *testing.T) {
	err := Write("", samplePlan())
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}
