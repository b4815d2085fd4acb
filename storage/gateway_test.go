package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hpc-orchestrator/core/backends"
	"hpc-orchestrator/core/backends/fake"
	"hpc-orchestrator/core/errs"
	"hpc-orchestrator/core/models"
	"hpc-orchestrator/providers/local"
)

type recorder struct {
	mu        sync.Mutex
	artifacts []models.TaskArtifact
}

func (r *recorder) RecordArtifact(_ context.Context, a *models.TaskArtifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts = append(r.artifacts, *a)
	return nil
}

func localTask(t *testing.T) (models.Task, *Gateway, *recorder) {
	t.Helper()
	res := models.ResourceHandle{Backend: models.BackendLocal, Cluster: t.TempDir(), Walltime: models.Duration(time.Hour)}
	lb := local.New(local.Config{}, zap.NewNop())
	workdir, err := lb.Prepare(context.Background(), res, "sample-r0")
	require.NoError(t, err)

	rec := &recorder{}
	g := NewGateway(backends.NewRegistry(lb), rec, zap.NewNop())
	return models.Task{ID: "t0", Name: "sample-r0", Resource: res, WorkDir: workdir, State: models.TaskStateRunning}, g, rec
}

func TestUploadListCatDownload(t *testing.T) {
	ctx := context.Background()
	task, g, rec := localTask(t)
	files := g.ForTask("plan-1", task)

	localDir := t.TempDir()
	sample := filepath.Join(localDir, "sample.txt")
	content := []byte("line one\nline two\n")
	require.NoError(t, os.WriteFile(sample, content, 0o644))

	require.NoError(t, files.Upload(ctx, sample, ""))

	entries, err := files.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, Entry{Name: "sample.txt", Size: int64(len(content)), Kind: EntryFile}, entries[0])

	text, err := files.Cat(ctx, "sample.txt")
	require.NoError(t, err)
	assert.Equal(t, string(content), text)

	out := filepath.Join(t.TempDir(), "copy.txt")
	require.NoError(t, files.Download(ctx, "sample.txt", out))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	require.Len(t, rec.artifacts, 2)
	assert.Equal(t, models.ArtifactUpload, rec.artifacts[0].Kind)
	assert.Equal(t, models.ArtifactDownload, rec.artifacts[1].Kind)
	assert.Equal(t, "plan-1", rec.artifacts[1].PlanID)
}

func TestDownloadIntoDirectory(t *testing.T) {
	ctx := context.Background()
	task, g, _ := localTask(t)
	files := g.ForTask("", task)

	require.NoError(t, files.Put(ctx, "results/energy.dat", bytes.NewReader([]byte{0x00, 0xff, 0x10})))

	dir := t.TempDir()
	require.NoError(t, files.Download(ctx, "results/energy.dat", dir))
	got, err := os.ReadFile(filepath.Join(dir, "energy.dat"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff, 0x10}, got)
}

func TestDownloadChecksRemotePath(t *testing.T) {
	ctx := context.Background()
	task, g, rec := localTask(t)
	files := g.ForTask("p", task)
	out := filepath.Join(t.TempDir(), "out.dat")

	err := files.Download(ctx, "missing.dat", out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	assert.NoFileExists(t, out)

	require.NoError(t, files.Put(ctx, "results/energy.dat", bytes.NewReader([]byte("1.0\n"))))
	err = files.Download(ctx, "results", out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrValidation))
	assert.NoFileExists(t, out)

	require.Len(t, rec.artifacts, 1, "only the upload is recorded")
}

func TestEmptyWorkingDirectory(t *testing.T) {
	task, g, _ := localTask(t)
	entries, err := g.ForTask("p", task).List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCatErrors(t *testing.T) {
	ctx := context.Background()
	task, g, _ := localTask(t)
	files := g.ForTask("p", task)

	_, err := files.Cat(ctx, "missing.txt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	require.NoError(t, files.Put(ctx, "traj.dcd", bytes.NewReader([]byte{0xde, 0xad, 0xbe, 0xef})))
	_, err = files.Cat(ctx, "traj.dcd")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrDecode))

	raw, err := files.ReadBytes(ctx, "traj.dcd")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, raw)
}

func TestPathConfinement(t *testing.T) {
	ctx := context.Background()
	task, g, _ := localTask(t)
	files := g.ForTask("p", task)

	for _, p := range []string{"/etc/passwd", "../other/file", "a/../../b", "..", ""} {
		t.Run(p, func(t *testing.T) {
			_, err := files.Cat(ctx, p)
			require.Error(t, err)
			assert.Equal(t, errs.KindValidation, errs.KindOf(err))
		})
	}
}

func TestPreLaunchIsNotFound(t *testing.T) {
	ctx := context.Background()
	task, g, _ := localTask(t)
	task.WorkDir = ""
	files := g.ForTask("p", task)

	_, err := files.List(ctx)
	assert.True(t, errs.IsNotFound(err))

	src := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("a"), 0o644))
	assert.True(t, errs.IsNotFound(files.Upload(ctx, src, "")))
	assert.True(t, errs.IsNotFound(files.Download(ctx, "a.txt", t.TempDir())))
}

func TestTransferFailures(t *testing.T) {
	ctx := context.Background()
	fb := fake.New(models.BackendSlurm)
	fb.WriteErr = errors.New("connection reset by peer")
	res := models.ResourceHandle{Backend: models.BackendSlurm, Cluster: "frontera", Walltime: models.Duration(time.Hour)}
	workdir, err := fb.Prepare(ctx, res, "r0")
	require.NoError(t, err)

	files := NewGateway(backends.NewRegistry(fb), nil, nil).ForTask("p", models.Task{ID: "t", Resource: res, WorkDir: workdir})

	src := filepath.Join(t.TempDir(), "in.conf")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	err = files.Upload(ctx, src, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrTransfer))
	_, ok := fb.File(workdir + "/in.conf")
	assert.False(t, ok, "failed upload must not leave a file behind")

	err = files.Upload(ctx, filepath.Join(t.TempDir(), "missing.conf"), "")
	assert.True(t, errors.Is(err, errs.ErrTransfer))

	fb.PutFile(workdir+"/out.log", []byte("done"))
	blocked := filepath.Join(t.TempDir(), "no-such-dir", "out.log")
	err = files.Download(ctx, "out.log", blocked)
	assert.True(t, errors.Is(err, errs.ErrTransfer))
}
