// Package slurm submits tasks as batch jobs to Slurm clusters over SSH.
// The resource handle's cluster is the login host; its category is the
// partition.
package slurm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"hpc-orchestrator/core/backends"
	"hpc-orchestrator/core/executor"
	"hpc-orchestrator/core/models"
)

const (
	scriptFile = "job.slurm"
	stdoutFile = "stdout.log"
	stderrFile = "stderr.log"

	// exitMissing is the status our file commands use for a missing path
	exitMissing = 44
)

// sbatchOptions are the handle constraints rendered as #SBATCH directives
var sbatchOptions = map[string]bool{
	"account":     true,
	"qos":         true,
	"constraint":  true,
	"reservation": true,
	"mem":         true,
	"exclusive":   true,
}

// Config configures the Slurm backend
type Config struct {
	ScratchRoot string // Parent of task working directories, default "$HOME/hpc-orchestrator"
	Python      string // Default "python3"
	Shell       string // Default "sh"
}

// Backend is the Slurm backend
type Backend struct {
	ssh executor.Commander
	cfg Config
	log *zap.Logger
}

// New creates a Slurm backend running commands through ssh
func New(ssh executor.Commander, cfg Config, log *zap.Logger) *Backend {
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = "$HOME/hpc-orchestrator"
	}
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{ssh: ssh, cfg: cfg, log: log.Named("slurm")}
}

// Name implements backends.Backend
func (b *Backend) Name() models.BackendType { return models.BackendSlurm }

// Prepare implements backends.Backend
func (b *Backend) Prepare(ctx context.Context, res models.ResourceHandle, name string) (string, error) {
	root := expandable(b.cfg.ScratchRoot)
	cmd := fmt.Sprintf(`mkdir -p %s && cd %s && mktemp -d "$PWD"/%s`, root, root, quote(sanitize(name)+"-XXXXXX"))
	out, err := b.exec(ctx, "Prepare", res, "", cmd, nil)
	if err != nil {
		return "", err
	}
	dir := strings.TrimSpace(out)
	if !path.IsAbs(dir) {
		return "", b.wrap("Prepare", res, dir, fmt.Errorf("unexpected mktemp output %q", dir))
	}
	return dir, nil
}

// Submit implements backends.Backend
func (b *Backend) Submit(ctx context.Context, req backends.SubmitRequest) (string, error) {
	fs := &fileSystem{b: b, res: req.Resource}
	script := RenderScript(req)
	if err := fs.Write(ctx, path.Join(req.WorkDir, scriptFile), []byte(script)); err != nil {
		return "", err
	}

	out, err := b.exec(ctx, "Submit", req.Resource, req.WorkDir,
		fmt.Sprintf("cd %s && sbatch --parsable %s", quote(req.WorkDir), scriptFile), nil)
	if err != nil {
		return "", err
	}
	jobID, err := ParseSbatch(out)
	if err != nil {
		return "", b.wrap("Submit", req.Resource, req.WorkDir, err)
	}
	b.log.Debug("submitted", zap.String("job_id", jobID), zap.String("cluster", req.Resource.Cluster), zap.String("task", req.Name))
	return jobID, nil
}

// Poll implements backends.Backend. sacct is authoritative; squeue covers
// clusters without job accounting.
func (b *Backend) Poll(ctx context.Context, res models.ResourceHandle, jobID string) (string, error) {
	if !validJobID(jobID) {
		return "", b.wrap("Poll", res, jobID, fmt.Errorf("%w: invalid job id", backends.ErrJobNotFound))
	}

	r, err := b.ssh.Run(ctx, res.Cluster, fmt.Sprintf("sacct -j %s -n -X -P -o State", jobID), nil)
	if err != nil {
		return "", b.wrap("Poll", res, jobID, fmt.Errorf("%w: %v", backends.ErrUnavailable, err))
	}
	if r.ExitCode == 0 {
		if state := firstLine(string(r.Stdout)); state != "" {
			return state, nil
		}
	}

	r, err = b.ssh.Run(ctx, res.Cluster, fmt.Sprintf("squeue -h -j %s -o %%T", jobID), nil)
	if err != nil {
		return "", b.wrap("Poll", res, jobID, fmt.Errorf("%w: %v", backends.ErrUnavailable, err))
	}
	state := firstLine(string(r.Stdout))
	if r.ExitCode != 0 || state == "" {
		return "", b.wrap("Poll", res, jobID, fmt.Errorf("%w: %s", backends.ErrJobNotFound, firstLine(string(r.Stderr))))
	}
	return state, nil
}

// Cancel implements backends.Backend
func (b *Backend) Cancel(ctx context.Context, res models.ResourceHandle, jobID string) error {
	if !validJobID(jobID) {
		return b.wrap("Cancel", res, jobID, fmt.Errorf("%w: invalid job id", backends.ErrJobNotFound))
	}
	r, err := b.ssh.Run(ctx, res.Cluster, "scancel "+jobID, nil)
	if err != nil {
		return b.wrap("Cancel", res, jobID, fmt.Errorf("%w: %v", backends.ErrUnavailable, err))
	}
	if r.ExitCode != 0 {
		msg := firstLine(string(r.Stderr))
		// Jobs that already left the queue are not an error
		if strings.Contains(strings.ToLower(msg), "invalid job id") || strings.Contains(msg, "already completing or completed") {
			return nil
		}
		return b.wrap("Cancel", res, jobID, fmt.Errorf("scancel exited with status %d: %s", r.ExitCode, msg))
	}
	return nil
}

// Files implements backends.Backend
func (b *Backend) Files(res models.ResourceHandle) (backends.FileSystem, error) {
	return &fileSystem{b: b, res: res}, nil
}

// Run implements backends.Runner. Code runs on the login host inside the
// working directory, which is on the cluster's shared filesystem.
func (b *Backend) Run(ctx context.Context, res models.ResourceHandle, workdir string, spec backends.RunSpec) (backends.RunOutput, error) {
	var interpreter string
	switch spec.Language {
	case "python":
		interpreter = b.cfg.Python + " -"
	case "shell", "":
		interpreter = b.cfg.Shell + " -s"
	default:
		return backends.RunOutput{}, b.wrap("Run", res, workdir, fmt.Errorf("%w: language %q", backends.ErrUnsupported, spec.Language))
	}

	var cmd strings.Builder
	fmt.Fprintf(&cmd, "cd %s", quote(workdir))
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&cmd, " && export %s=%s", k, quote(spec.Env[k]))
	}
	if spec.Language == "python" && len(spec.Dependencies) > 0 {
		deps := make([]string, len(spec.Dependencies))
		for i, d := range spec.Dependencies {
			deps[i] = quote(d)
		}
		fmt.Fprintf(&cmd, " && { %s -m pip install --user --quiet %s 1>&2 || exit 97; }", b.cfg.Python, strings.Join(deps, " "))
	}
	fmt.Fprintf(&cmd, " && exec %s", interpreter)

	r, err := b.ssh.Run(ctx, res.Cluster, cmd.String(), strings.NewReader(spec.Source))
	if err != nil {
		return backends.RunOutput{}, b.wrap("Run", res, workdir, fmt.Errorf("%w: %v", backends.ErrUnavailable, err))
	}
	if r.ExitCode == 97 {
		return backends.RunOutput{}, b.wrap("Run", res, workdir,
			fmt.Errorf("install dependencies: %s", strings.TrimSpace(string(r.Stderr))))
	}
	return backends.RunOutput{Stdout: r.Stdout, Stderr: r.Stderr, ExitCode: r.ExitCode}, nil
}

// exec runs a command that must succeed and returns its stdout
func (b *Backend) exec(ctx context.Context, op string, res models.ResourceHandle, p, cmd string, stdin []byte) (string, error) {
	var in io.Reader
	if stdin != nil {
		in = bytes.NewReader(stdin)
	}
	r, err := b.ssh.Run(ctx, res.Cluster, cmd, in)
	if err != nil {
		return "", b.wrap(op, res, p, fmt.Errorf("%w: %v", backends.ErrUnavailable, err))
	}
	switch {
	case r.ExitCode == exitMissing:
		return "", b.wrap(op, res, p, backends.ErrNotExist)
	case r.ExitCode != 0:
		return "", b.wrap(op, res, p, fmt.Errorf("command exited with status %d: %s", r.ExitCode, firstLine(string(r.Stderr))))
	}
	return string(r.Stdout), nil
}

func (b *Backend) wrap(op string, res models.ResourceHandle, p string, err error) error {
	var be *backends.BackendError
	if errors.As(err, &be) {
		return err
	}
	return &backends.BackendError{Op: op, Backend: models.BackendSlurm, Cluster: res.Cluster, Path: p, Err: err}
}

// RenderScript builds the batch script for a submission
func RenderScript(req backends.SubmitRequest) string {
	res := req.Resource
	var s strings.Builder
	s.WriteString("#!/bin/bash\n")
	directive := func(format string, args ...any) {
		s.WriteString("#SBATCH ")
		fmt.Fprintf(&s, format, args...)
		s.WriteByte('\n')
	}
	directive("--job-name=%s", sanitize(req.Name))
	directive("--chdir=%s", req.WorkDir)
	directive("--output=%s", stdoutFile)
	directive("--error=%s", stderrFile)
	if res.Category != "" {
		directive("--partition=%s", res.Category)
	}
	directive("--time=%s", FormatWalltime(res.Walltime.Std()))
	if res.Nodes > 0 {
		directive("--nodes=%d", res.Nodes)
	}
	if res.CPUs > 0 {
		directive("--cpus-per-task=%d", res.CPUs)
	}
	if res.GPUs > 0 {
		directive("--gpus=%d", res.GPUs)
	}

	keys := make([]string, 0, len(res.Constraints))
	for k := range res.Constraints {
		if sbatchOptions[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := res.Constraints[k]; v == "" || v == "true" {
			directive("--%s", k)
		} else {
			directive("--%s=%s", k, v)
		}
	}

	s.WriteString("\ncd ")
	s.WriteString(quote(req.WorkDir))
	s.WriteString("\n")
	s.WriteString(strings.TrimRight(req.Script, "\n"))
	s.WriteString("\n")
	return s.String()
}

// FormatWalltime renders a duration as a Slurm time limit, rounding up to a minute
func FormatWalltime(d time.Duration) string {
	minutes := int((d + time.Minute - 1) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	days, rem := minutes/(24*60), minutes%(24*60)
	if days > 0 {
		return fmt.Sprintf("%d-%02d:%02d:00", days, rem/60, rem%60)
	}
	return fmt.Sprintf("%02d:%02d:00", rem/60, rem%60)
}

// ParseSbatch extracts the job id from `sbatch --parsable` output ("id" or "id;cluster")
func ParseSbatch(out string) (string, error) {
	line := firstLine(out)
	id, _, _ := strings.Cut(line, ";")
	if !validJobID(id) {
		return "", fmt.Errorf("unexpected sbatch output %q", strings.TrimSpace(out))
	}
	return id, nil
}

func validJobID(id string) bool {
	if id == "" {
		return false
	}
	for _, part := range strings.SplitN(id, "_", 2) {
		if _, err := strconv.ParseUint(part, 10, 64); err != nil {
			return false
		}
	}
	return true
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// quote single-quotes s for a POSIX shell
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// expandable double-quotes s so that $VARIABLES still expand
func expandable(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "`", "\\`")
	return `"` + r.Replace(s) + `"`
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

var _ backends.Backend = (*Backend)(nil)
var _ backends.Runner = (*Backend)(nil)
