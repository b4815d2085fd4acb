package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"hpc-orchestrator/core/backends"
	"hpc-orchestrator/core/errs"
	"hpc-orchestrator/core/models"
)

// PollerOptions configures a Poller
type PollerOptions struct {
	RateLimit   float64 // Backend polls per second; <= 0 disables limiting
	Burst       int
	Concurrency int
}

// Poller fetches task states from their backends. It never mutates tasks:
// callers apply the returned TaskPoll values themselves.
type Poller struct {
	registry    *backends.Registry
	limiter     *rate.Limiter
	concurrency int
	log         *zap.Logger
}

// TaskPoll is the outcome of polling one task
type TaskPoll struct {
	TaskID  string
	Index   int
	State   models.TaskState // Previous state when Err is set or the poll was skipped
	Raw     string
	At      time.Time
	Skipped bool  // Nothing to poll: no job id or already terminal
	Err     error // Soft failure; the task state is left unchanged
}

// Changed reports whether applying the poll would alter the task
func (tp TaskPoll) Changed(t models.Task) bool {
	return !tp.Skipped && tp.Err == nil && (tp.State != t.State || tp.Raw != t.RawState)
}

// NewPoller creates a new poller
func NewPoller(registry *backends.Registry, opts PollerOptions, log *zap.Logger) *Poller {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		registry:    registry,
		limiter:     limiter,
		concurrency: opts.Concurrency,
		log:         log.Named("poller"),
	}
}

// PollTask polls a single task
func (p *Poller) PollTask(ctx context.Context, task models.Task) TaskPoll {
	const op = "Poller.PollTask"
	result := TaskPoll{TaskID: task.ID, Index: task.Index, State: task.State, Raw: task.RawState, At: models.Now()}

	if task.JobID == "" || task.State.IsTerminal() {
		result.Skipped = true
		return result
	}

	backend, err := p.registry.For(task.Resource)
	if err != nil {
		result.Err = errs.New(errs.KindRemoteExecution, op, err).WithTask(task.ID)
		return result
	}

	if err := p.limiter.Wait(ctx); err != nil {
		result.Err = errs.New(errs.KindRemoteExecution, op, err).WithTask(task.ID)
		return result
	}

	raw, err := backend.Poll(ctx, task.Resource, task.JobID)
	if err != nil {
		p.log.Debug("poll failed",
			zap.String("task_id", task.ID),
			zap.String("job_id", task.JobID),
			zap.String("backend", string(task.Resource.Backend)),
			zap.Error(err))
		result.Err = errs.New(errs.KindRemoteExecution, op, err).WithTask(task.ID)
		return result
	}

	state, ok := Canonical(task.Resource.Backend, raw)
	if !ok {
		result.Err = errs.New(errs.KindDecode, op,
			fmt.Errorf("unrecognized %s state %q for job %s", task.Resource.Backend, raw, task.JobID)).WithTask(task.ID)
		return result
	}

	result.State = state
	result.Raw = raw
	return result
}

// PollAll polls every task concurrently; results are in task order
func (p *Poller) PollAll(ctx context.Context, tasks []models.Task) []TaskPoll {
	results := make([]TaskPoll, len(tasks))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i := range tasks {
		i := i
		g.Go(func() error {
			results[i] = p.PollTask(ctx, tasks[i])
			return nil
		})
	}
	_ = g.Wait()

	return results
}
