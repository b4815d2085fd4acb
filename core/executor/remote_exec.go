// Package executor runs ad-hoc code next to a live task and holds the SSH
// transport used by cluster backends.
package executor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"hpc-orchestrator/core/backends"
	"hpc-orchestrator/core/errs"
	"hpc-orchestrator/core/models"
)

// Language is the interpreter a request runs under
type Language string

const (
	LanguagePython Language = "python"
	LanguageShell  Language = "shell"
)

// Request is a self-contained unit of code. It captures nothing from the
// caller: every input is a literal in Args, exported to the process as
// environment variables.
type Request struct {
	Language     Language          `json:"language"`
	Source       string            `json:"source"`
	Args         map[string]string `json:"args,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
}

// Result is the captured output of a request
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

var argName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NewRequest builds a request for source with its declared dependencies
func NewRequest(lang Language, source string, deps ...string) Request {
	return Request{Language: lang, Source: source, Dependencies: deps}
}

// WithArg returns a copy of r with one more literal argument
func (r Request) WithArg(name, value string) Request {
	args := make(map[string]string, len(r.Args)+1)
	for k, v := range r.Args {
		args[k] = v
	}
	args[name] = value
	r.Args = args
	return r
}

// Validate checks the request is well formed
func (r Request) Validate() error {
	switch r.Language {
	case LanguagePython, LanguageShell:
	default:
		return fmt.Errorf("unsupported language %q", r.Language)
	}
	if strings.TrimSpace(r.Source) == "" {
		return fmt.Errorf("source is empty")
	}
	for k := range r.Args {
		if !argName.MatchString(k) {
			return fmt.Errorf("argument name %q is not a valid identifier", k)
		}
	}
	for _, d := range r.Dependencies {
		if strings.TrimSpace(d) == "" || strings.ContainsAny(d, " \t\n;|&`$") {
			return fmt.Errorf("invalid dependency %q", d)
		}
	}
	return nil
}

// Dispatcher sends requests to the backend of a task
type Dispatcher struct {
	registry *backends.Registry
	log      *zap.Logger
}

// NewDispatcher creates a dispatcher over the backend registry
func NewDispatcher(registry *backends.Registry, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{registry: registry, log: log.Named("exec")}
}

// Dispatch runs req inside the working directory of task. The task must be
// queued or running. A non-zero exit returns both the Result and a
// remote-phase error. Requests are never retried.
func (d *Dispatcher) Dispatch(ctx context.Context, planID string, task models.Task, req Request) (*Result, error) {
	const op = "Dispatcher.Dispatch"

	if !task.State.IsLive() {
		return nil, errs.Newf(errs.KindInvalidState, op, "task is %s", task.State).WithPlan(planID).WithTask(task.ID)
	}
	if err := req.Validate(); err != nil {
		return nil, errs.New(errs.KindValidation, op, err).WithPlan(planID).WithTask(task.ID)
	}
	if task.WorkDir == "" {
		return nil, errs.Newf(errs.KindNotFound, op, "task has no working directory").WithPlan(planID).WithTask(task.ID)
	}

	dispatchErr := func(err error) error {
		e := errs.New(errs.KindRemoteExecution, op, err).WithPlan(planID).WithTask(task.ID)
		e.Phase = errs.PhaseDispatch
		return e
	}

	b, err := d.registry.For(task.Resource)
	if err != nil {
		return nil, dispatchErr(err)
	}
	runner, ok := b.(backends.Runner)
	if !ok {
		return nil, dispatchErr(&backends.BackendError{
			Op: "Run", Backend: b.Name(), Cluster: task.Resource.Cluster, Err: backends.ErrUnsupported,
		})
	}

	log := d.log.With(
		zap.String("plan_id", planID),
		zap.String("task_id", task.ID),
		zap.String("backend", string(b.Name())),
		zap.String("language", string(req.Language)),
	)
	log.Debug("dispatching", zap.Int("dependencies", len(req.Dependencies)))

	out, err := runner.Run(ctx, task.Resource, task.WorkDir, backends.RunSpec{
		Language:     string(req.Language),
		Source:       req.Source,
		Env:          req.Args,
		Dependencies: req.Dependencies,
	})
	if err != nil {
		log.Warn("dispatch failed", zap.Error(err))
		return nil, dispatchErr(err)
	}

	res := &Result{Stdout: string(out.Stdout), Stderr: string(out.Stderr), ExitCode: out.ExitCode}
	if out.ExitCode != 0 {
		log.Info("remote code failed", zap.Int("exit_code", out.ExitCode))
		e := errs.New(errs.KindRemoteExecution, op, &ExitError{
			Host:    task.Resource.Cluster,
			Command: string(req.Language),
			Code:    out.ExitCode,
			Stderr:  lastLine(res.Stderr),
		}).WithPlan(planID).WithTask(task.ID)
		e.Phase = errs.PhaseRemote
		return res, e
	}
	return res, nil
}

// IsExit reports whether err carries a remote exit status
func IsExit(err error) (int, bool) {
	var e *ExitError
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
