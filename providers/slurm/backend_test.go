package slurm

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hpc-orchestrator/core/backends"
	"hpc-orchestrator/core/executor"
	"hpc-orchestrator/core/models"
)

type call struct {
	host  string
	cmd   string
	stdin string
}

// scripted answers commands by prefix and records every call
type scripted struct {
	mu      sync.Mutex
	calls   []call
	answers []answer
	err     error
}

type answer struct {
	prefix string
	result executor.CommandResult
}

func (s *scripted) on(prefix string, stdout string, code int, stderr string) {
	s.answers = append(s.answers, answer{prefix, executor.CommandResult{Stdout: []byte(stdout), Stderr: []byte(stderr), ExitCode: code}})
}

func (s *scripted) Run(_ context.Context, host, command string, stdin io.Reader) (executor.CommandResult, error) {
	c := call{host: host, cmd: command}
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		c.stdin = string(b)
	}
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
	if s.err != nil {
		return executor.CommandResult{}, s.err
	}
	for _, a := range s.answers {
		if strings.HasPrefix(command, a.prefix) {
			return a.result, nil
		}
	}
	return executor.CommandResult{}, nil
}

func resource() models.ResourceHandle {
	return models.ResourceHandle{
		Backend:     models.BackendSlurm,
		Cluster:     "login.frontera.tacc.utexas.edu",
		Category:    "normal",
		Walltime:    models.Duration(90 * time.Minute),
		Nodes:       2,
		CPUs:        56,
		Constraints: map[string]string{"account": "MCB123", "namd_binary": "namd2"},
	}
}

func TestRenderScript(t *testing.T) {
	res := resource()
	res.GPUs = 4
	script := RenderScript(backends.SubmitRequest{
		Name:     "ubq-r0",
		WorkDir:  "/scratch/u/ubq-r0-abc",
		Resource: res,
		Script:   "namd3 +p56 ubq.conf > namd.log 2>&1\n",
	})

	assert.Equal(t, `#!/bin/bash
#SBATCH --job-name=ubq-r0
#SBATCH --chdir=/scratch/u/ubq-r0-abc
#SBATCH --output=stdout.log
#SBATCH --error=stderr.log
#SBATCH --partition=normal
#SBATCH --time=01:30:00
#SBATCH --nodes=2
#SBATCH --cpus-per-task=56
#SBATCH --gpus=4
#SBATCH --account=MCB123

cd '/scratch/u/ubq-r0-abc'
namd3 +p56 ubq.conf > namd.log 2>&1
`, script)
}

func TestFormatWalltime(t *testing.T) {
	assert.Equal(t, "00:01:00", FormatWalltime(10*time.Second))
	assert.Equal(t, "02:00:00", FormatWalltime(2*time.Hour))
	assert.Equal(t, "1-00:30:00", FormatWalltime(24*time.Hour+30*time.Minute))
	assert.Equal(t, "00:02:00", FormatWalltime(61*time.Second))
}

func TestParseSbatch(t *testing.T) {
	id, err := ParseSbatch("4815162\n")
	require.NoError(t, err)
	assert.Equal(t, "4815162", id)

	id, err = ParseSbatch("42;frontera\n")
	require.NoError(t, err)
	assert.Equal(t, "42", id)

	_, err = ParseSbatch("sbatch: error: Batch job submission failed\n")
	assert.Error(t, err)
}

func TestPrepareAndSubmit(t *testing.T) {
	ssh := &scripted{}
	ssh.on("mkdir -p \"$HOME/hpc-orchestrator\"", "/home1/u/hpc-orchestrator/ubq-r0-Xa12bc\n", 0, "")
	ssh.on("cd '/home1/u/hpc-orchestrator/ubq-r0-Xa12bc' && sbatch", "777\n", 0, "")
	b := New(ssh, Config{}, zap.NewNop())
	ctx := context.Background()

	dir, err := b.Prepare(ctx, resource(), "ubq-r0")
	require.NoError(t, err)
	assert.Equal(t, "/home1/u/hpc-orchestrator/ubq-r0-Xa12bc", dir)

	id, err := b.Submit(ctx, backends.SubmitRequest{Name: "ubq-r0", WorkDir: dir, Resource: resource(), Script: "true"})
	require.NoError(t, err)
	assert.Equal(t, "777", id)

	require.Len(t, ssh.calls, 3)
	write := ssh.calls[1]
	assert.Contains(t, write.cmd, "/home1/u/hpc-orchestrator/ubq-r0-Xa12bc/.job.slurm.tmp.XXXXXX")
	assert.Contains(t, write.stdin, "#SBATCH --partition=normal")
	assert.Equal(t, "login.frontera.tacc.utexas.edu", write.host)
}

func TestPollFallsBackToSqueue(t *testing.T) {
	ssh := &scripted{}
	ssh.on("sacct", "", 1, "Slurm accounting storage is disabled")
	ssh.on("squeue", "RUNNING\n", 0, "")
	b := New(ssh, Config{}, nil)

	raw, err := b.Poll(context.Background(), resource(), "777")
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", raw)
}

func TestPollPrefersSacct(t *testing.T) {
	ssh := &scripted{}
	ssh.on("sacct", "CANCELLED by 5012\n", 0, "")
	b := New(ssh, Config{}, nil)

	raw, err := b.Poll(context.Background(), resource(), "777")
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED by 5012", raw)
	assert.Len(t, ssh.calls, 1)
}

func TestPollUnknownJob(t *testing.T) {
	ssh := &scripted{}
	ssh.on("squeue", "", 1, "slurm_load_jobs error: Invalid job id specified")
	b := New(ssh, Config{}, nil)

	_, err := b.Poll(context.Background(), resource(), "777")
	assert.True(t, backends.IsJobNotFound(err))

	_, err = b.Poll(context.Background(), resource(), "777; rm -rf /")
	assert.True(t, backends.IsJobNotFound(err))
}

func TestTransportErrorsAreUnavailable(t *testing.T) {
	ssh := &scripted{err: errors.New("connection refused")}
	b := New(ssh, Config{}, nil)

	_, err := b.Poll(context.Background(), resource(), "777")
	assert.True(t, errors.Is(err, backends.ErrUnavailable))

	_, err = b.Prepare(context.Background(), resource(), "x")
	assert.True(t, errors.Is(err, backends.ErrUnavailable))
}

func TestCancelFinishedJobIsNotAnError(t *testing.T) {
	ssh := &scripted{}
	ssh.on("scancel", "", 1, "scancel: error: Kill job error on job id 777: Invalid job id specified")
	b := New(ssh, Config{}, nil)
	require.NoError(t, b.Cancel(context.Background(), resource(), "777"))

	ssh = &scripted{}
	ssh.on("scancel", "", 1, "scancel: error: Access/permission denied")
	b = New(ssh, Config{}, nil)
	require.Error(t, b.Cancel(context.Background(), resource(), "777"))
}

func TestFiles(t *testing.T) {
	ssh := &scripted{}
	ssh.on("[ -d '/w'", "f\t12\t1700000000.5000000000\tnamd.log\nd\t4096\t1700000001.0000000000\toutput\n", 0, "")
	ssh.on("[ -f '/w/missing'", "", exitMissing, "")
	ssh.on("[ -f '/w/namd.log'", "ENERGY: 0\n", 0, "")
	b := New(ssh, Config{}, nil)
	fs, err := b.Files(resource())
	require.NoError(t, err)
	ctx := context.Background()

	infos, err := fs.List(ctx, "/w")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "namd.log", infos[0].Name)
	assert.Equal(t, int64(12), infos[0].Size)
	assert.False(t, infos[0].IsDir)
	assert.True(t, infos[1].IsDir)
	assert.Equal(t, int64(1700000000), infos[0].ModTime.Unix())

	data, err := fs.Read(ctx, "/w/namd.log")
	require.NoError(t, err)
	assert.Equal(t, "ENERGY: 0\n", string(data))

	_, err = fs.Read(ctx, "/w/missing")
	assert.True(t, backends.IsNotExist(err))

	_, err = fs.Read(ctx, "relative")
	assert.Error(t, err)
}

func TestRunBuildsCommand(t *testing.T) {
	ssh := &scripted{}
	ssh.on("cd '/w'", "3\n", 0, "")
	b := New(ssh, Config{}, nil)

	out, err := b.Run(context.Background(), resource(), "/w", backends.RunSpec{
		Language:     "python",
		Source:       "print(1+2)",
		Env:          map[string]string{"B": "it's", "A": "1"},
		Dependencies: []string{"numpy"},
	})
	require.NoError(t, err)
	assert.Equal(t, "3\n", string(out.Stdout))

	require.Len(t, ssh.calls, 1)
	assert.Equal(t, `cd '/w' && export A='1' && export B='it'\''s' && { python3 -m pip install --user --quiet 'numpy' 1>&2 || exit 97; } && exec python3 -`, ssh.calls[0].cmd)
	assert.Equal(t, "print(1+2)", ssh.calls[0].stdin)

	_, err = b.Run(context.Background(), resource(), "/w", backends.RunSpec{Language: "julia", Source: "1"})
	assert.True(t, backends.IsUnsupported(err))
}
