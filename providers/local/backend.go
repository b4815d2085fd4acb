// Package local runs tasks as detached processes on this machine. The
// resource handle's cluster is the root directory holding task working
// directories; it exists for development and tests.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"hpc-orchestrator/core/backends"
	"hpc-orchestrator/core/models"
)

// Marker files kept in each working directory
const (
	scriptFile    = "job.sh"
	stdoutFile    = "stdout.log"
	stderrFile    = "stderr.log"
	pidFile       = ".job.pid"
	exitFile      = ".job.exit"
	cancelledFile = ".job.cancelled"
)

// Config configures the local backend
type Config struct {
	Shell  string // Default "sh"
	Python string // Default "python3"
}

// Backend is the local process backend
type Backend struct {
	cfg Config
	log *zap.Logger

	mu    sync.Mutex
	procs map[string]*exec.Cmd // Jobs started by this process, reaped in the background
}

// New creates a local backend
func New(cfg Config, log *zap.Logger) *Backend {
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{cfg: cfg, log: log.Named("local"), procs: make(map[string]*exec.Cmd)}
}

// Name implements backends.Backend
func (b *Backend) Name() models.BackendType { return models.BackendLocal }

// Prepare implements backends.Backend
func (b *Backend) Prepare(ctx context.Context, res models.ResourceHandle, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	root, err := rootOf(res)
	if err != nil {
		return "", b.wrap("Prepare", res, "", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", b.wrap("Prepare", res, root, err)
	}
	dir, err := os.MkdirTemp(root, sanitize(name)+"-")
	if err != nil {
		return "", b.wrap("Prepare", res, root, err)
	}
	return dir, nil
}

// Submit implements backends.Backend. The job id is the working directory
// name, so a restarted engine can still find the markers.
func (b *Backend) Submit(ctx context.Context, req backends.SubmitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	workdir := req.WorkDir
	if _, err := os.Stat(workdir); err != nil {
		return "", b.wrap("Submit", req.Resource, workdir, mapNotExist(err))
	}
	if err := os.WriteFile(filepath.Join(workdir, scriptFile), []byte(req.Script), 0o755); err != nil {
		return "", b.wrap("Submit", req.Resource, workdir, err)
	}

	wrapper := fmt.Sprintf("%s %s > %s 2> %s; echo $? > %s.tmp && mv %s.tmp %s",
		b.cfg.Shell, scriptFile, stdoutFile, stderrFile, exitFile, exitFile, exitFile)

	cmd := exec.Command(b.cfg.Shell, "-c", wrapper)
	cmd.Dir = workdir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return "", b.wrap("Submit", req.Resource, workdir, err)
	}

	jobID := filepath.Base(workdir)
	pid := cmd.Process.Pid
	if err := os.WriteFile(filepath.Join(workdir, pidFile), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		return "", b.wrap("Submit", req.Resource, workdir, err)
	}

	// Walltime is only enforced while this process is alive
	var walltime *time.Timer
	if limit := req.Resource.Walltime.Std(); limit > 0 {
		walltime = time.AfterFunc(limit, func() {
			_ = os.WriteFile(filepath.Join(workdir, exitFile), []byte("124\n"), 0o644)
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			b.log.Warn("job exceeded walltime", zap.String("job_id", jobID), zap.Duration("walltime", limit))
		})
	}

	b.mu.Lock()
	b.procs[jobID] = cmd
	b.mu.Unlock()
	go func() {
		_ = cmd.Wait()
		if walltime != nil {
			walltime.Stop()
		}
		b.mu.Lock()
		delete(b.procs, jobID)
		b.mu.Unlock()
	}()

	b.log.Debug("started job", zap.String("job_id", jobID), zap.Int("pid", pid), zap.String("workdir", workdir))
	return jobID, nil
}

// Poll implements backends.Backend
func (b *Backend) Poll(ctx context.Context, res models.ResourceHandle, jobID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	workdir, err := jobDir(res, jobID)
	if err != nil {
		return "", b.wrap("Poll", res, jobID, err)
	}
	if _, err := os.Stat(workdir); err != nil {
		return "", b.wrap("Poll", res, jobID, fmt.Errorf("%w: %v", backends.ErrJobNotFound, err))
	}

	if exists(filepath.Join(workdir, cancelledFile)) {
		return "killed", nil
	}
	if raw, ok := readExit(workdir); ok {
		return raw, nil
	}

	pid, err := readPID(workdir)
	if err != nil {
		return "", b.wrap("Poll", res, jobID, fmt.Errorf("%w: %v", backends.ErrJobNotFound, err))
	}
	if isProcessAlive(pid) {
		return "running", nil
	}
	// The wrapper may have exited between the two checks
	if raw, ok := readExit(workdir); ok {
		return raw, nil
	}
	return "lost", nil
}

// Cancel implements backends.Backend
func (b *Backend) Cancel(ctx context.Context, res models.ResourceHandle, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	workdir, err := jobDir(res, jobID)
	if err != nil {
		return b.wrap("Cancel", res, jobID, err)
	}
	if _, ok := readExit(workdir); ok {
		return nil
	}
	pid, err := readPID(workdir)
	if err != nil {
		return b.wrap("Cancel", res, jobID, fmt.Errorf("%w: %v", backends.ErrJobNotFound, err))
	}
	if err := os.WriteFile(filepath.Join(workdir, cancelledFile), nil, 0o644); err != nil {
		return b.wrap("Cancel", res, jobID, err)
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return b.wrap("Cancel", res, jobID, err)
	}
	return nil
}

// Files implements backends.Backend
func (b *Backend) Files(res models.ResourceHandle) (backends.FileSystem, error) {
	root, err := rootOf(res)
	if err != nil {
		return nil, b.wrap("Files", res, "", err)
	}
	return &fileSystem{root: root}, nil
}

// Run implements backends.Runner
func (b *Backend) Run(ctx context.Context, res models.ResourceHandle, workdir string, spec backends.RunSpec) (backends.RunOutput, error) {
	var interpreter []string
	switch spec.Language {
	case "python":
		interpreter = []string{b.cfg.Python, "-"}
	case "shell", "":
		interpreter = []string{b.cfg.Shell, "-s"}
	default:
		return backends.RunOutput{}, b.wrap("Run", res, workdir, fmt.Errorf("%w: language %q", backends.ErrUnsupported, spec.Language))
	}

	if spec.Language == "python" && len(spec.Dependencies) > 0 {
		args := append([]string{"-m", "pip", "install", "--quiet"}, spec.Dependencies...)
		install := exec.CommandContext(ctx, b.cfg.Python, args...)
		install.Dir = workdir
		if out, err := install.CombinedOutput(); err != nil {
			return backends.RunOutput{}, b.wrap("Run", res, workdir,
				fmt.Errorf("install dependencies: %w: %s", err, strings.TrimSpace(string(out))))
		}
	}

	cmd := exec.CommandContext(ctx, interpreter[0], interpreter[1:]...)
	cmd.Dir = workdir
	cmd.Stdin = strings.NewReader(spec.Source)
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+spec.Env[k])
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := backends.RunOutput{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	if err != nil {
		return out, b.wrap("Run", res, workdir, err)
	}
	return out, nil
}

func (b *Backend) wrap(op string, res models.ResourceHandle, p string, err error) error {
	return &backends.BackendError{Op: op, Backend: models.BackendLocal, Cluster: res.Cluster, Path: p, Err: err}
}

// rootOf returns the absolute root directory named by a handle
func rootOf(res models.ResourceHandle) (string, error) {
	root := strings.TrimSpace(res.Cluster)
	if root == "" {
		return "", fmt.Errorf("local cluster root is empty")
	}
	return filepath.Abs(root)
}

// jobDir resolves a job id to its working directory under the root
func jobDir(res models.ResourceHandle, jobID string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return "", fmt.Errorf("%w: invalid job id %q", backends.ErrJobNotFound, jobID)
	}
	root, err := rootOf(res)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, jobID), nil
}

func readExit(workdir string) (string, bool) {
	b, err := os.ReadFile(filepath.Join(workdir, exitFile))
	if err != nil {
		return "", false
	}
	code := strings.TrimSpace(string(b))
	if code == "" {
		return "", false
	}
	return "exited:" + code, true
}

func readPID(workdir string) (int, error) {
	b, err := os.ReadFile(filepath.Join(workdir, pidFile))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without sending a signal
	return p.Signal(syscall.Signal(0)) == nil
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
}

func mapNotExist(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", backends.ErrNotExist, err)
	}
	return err
}

var _ backends.Backend = (*Backend)(nil)
var _ backends.Runner = (*Backend)(nil)
