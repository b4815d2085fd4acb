package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hpc-orchestrator/core/backends"
	"hpc-orchestrator/core/models"
)

func handle(root string) models.ResourceHandle {
	return models.ResourceHandle{Backend: models.BackendLocal, Cluster: root, Walltime: models.Duration(time.Minute)}
}

func submit(t *testing.T, b *Backend, res models.ResourceHandle, script string) (string, string) {
	t.Helper()
	ctx := context.Background()
	dir, err := b.Prepare(ctx, res, "task r0")
	require.NoError(t, err)
	jobID, err := b.Submit(ctx, backends.SubmitRequest{Name: "task-r0", WorkDir: dir, Resource: res, Script: script})
	require.NoError(t, err)
	return dir, jobID
}

func pollUntil(t *testing.T, b *Backend, res models.ResourceHandle, jobID, want string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		raw, err := b.Poll(context.Background(), res, jobID)
		return err == nil && raw == want
	}, 10*time.Second, 20*time.Millisecond)
}

func TestSubmitAndPoll(t *testing.T) {
	b := New(Config{}, nil)
	res := handle(t.TempDir())

	dir, jobID := submit(t, b, res, "echo hello > out.txt\n")
	assert.Equal(t, filepath.Base(dir), jobID)
	pollUntil(t, b, res, jobID, "exited:0")

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestFailedJob(t *testing.T) {
	b := New(Config{}, nil)
	res := handle(t.TempDir())

	_, jobID := submit(t, b, res, "exit 3\n")
	pollUntil(t, b, res, jobID, "exited:3")
}

func TestCancel(t *testing.T) {
	b := New(Config{}, nil)
	res := handle(t.TempDir())

	_, jobID := submit(t, b, res, "sleep 30\n")
	pollUntil(t, b, res, jobID, "running")

	require.NoError(t, b.Cancel(context.Background(), res, jobID))
	pollUntil(t, b, res, jobID, "killed")
}

func TestPollUnknownJob(t *testing.T) {
	b := New(Config{}, nil)
	res := handle(t.TempDir())

	_, err := b.Poll(context.Background(), res, "nope")
	require.Error(t, err)
	assert.True(t, backends.IsJobNotFound(err))

	_, err = b.Poll(context.Background(), res, "../etc")
	assert.True(t, backends.IsJobNotFound(err))
}

func TestFilesConfinedToRoot(t *testing.T) {
	root := t.TempDir()
	b := New(Config{}, nil)
	fs, err := b.Files(handle(root))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.Mkdir(ctx, filepath.Join(root, "w")))
	require.NoError(t, fs.Write(ctx, filepath.Join(root, "w", "a.txt"), []byte("abc")))

	infos, err := fs.List(ctx, filepath.Join(root, "w"))
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "a.txt", infos[0].Name)
	assert.Equal(t, int64(3), infos[0].Size)

	_, err = fs.Read(ctx, filepath.Join(root, "w", "missing"))
	assert.True(t, backends.IsNotExist(err))

	_, err = fs.Read(ctx, filepath.Join(root, "..", "outside"))
	require.Error(t, err)
	assert.False(t, backends.IsNotExist(err))
}

func TestRunShell(t *testing.T) {
	b := New(Config{}, nil)
	res := handle(t.TempDir())
	dir, err := b.Prepare(context.Background(), res, "exec")
	require.NoError(t, err)

	out, err := b.Run(context.Background(), res, dir, backends.RunSpec{
		Language: "shell",
		Source:   "echo \"$GREETING\"; pwd; echo oops >&2; exit 2\n",
		Env:      map[string]string{"GREETING": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.ExitCode)
	assert.Contains(t, string(out.Stdout), "hi\n")
	assert.Contains(t, string(out.Stdout), dir)
	assert.Equal(t, "oops\n", string(out.Stderr))

	_, err = b.Run(context.Background(), res, dir, backends.RunSpec{Language: "ruby"})
	assert.True(t, backends.IsUnsupported(err))
}

func TestWalltimeKillsJob(t *testing.T) {
	b := New(Config{}, nil)
	res := handle(t.TempDir())
	res.Walltime = models.Duration(200 * time.Millisecond)

	_, jobID := submit(t, b, res, "sleep 30\n")
	pollUntil(t, b, res, jobID, "exited:124")
}
