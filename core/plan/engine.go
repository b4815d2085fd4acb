// Package plan turns experiments into durable, remotely executing plans.
//
// An Engine materializes a Plan from an experiment, one task per replica.
// A Plan moves draft -> saved -> launched -> running -> completed|failed|stopped;
// terminal states are never left. Every mutation after launch is written to
// the remote store when the plan has an identity and to its local snapshot
// when it has a local path.
package plan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hpc-orchestrator/core/apps"
	"hpc-orchestrator/core/backends"
	"hpc-orchestrator/core/errs"
	"hpc-orchestrator/core/executor"
	"hpc-orchestrator/core/models"
	"hpc-orchestrator/core/monitoring"
	"hpc-orchestrator/core/session"
	"hpc-orchestrator/core/snapshot"
	"hpc-orchestrator/storage"
)

// RemoteStore is the authoritative plan store
type RemoteStore interface {
	Save(ctx context.Context, plan *models.Plan) (string, error)
	Load(ctx context.Context, id string) (*models.Plan, error)
	Query(ctx context.Context, filter models.PlanFilter) ([]models.PlanSummary, error)
	Delete(ctx context.Context, id string) error
}

// Options configures an Engine
type Options struct {
	Session   *session.Session
	Registry  *backends.Registry
	Store     RemoteStore
	Artifacts storage.ArtifactRecorder // Optional transfer log

	Poll        monitoring.PollerOptions
	Concurrency int           // Launch and stop fan-out, default 8
	WaitInitial time.Duration // First Wait backoff, default 2s
	WaitMax     time.Duration // Backoff cap, default 1m

	Logger *zap.Logger
}

// Engine creates, loads and queries plans
type Engine struct {
	opts       Options
	session    *session.Session
	registry   *backends.Registry
	store      RemoteStore
	poller     *monitoring.Poller
	gateway    *storage.Gateway
	dispatcher *executor.Dispatcher
	log        *zap.Logger
}

// NewEngine creates an engine
func NewEngine(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("backend registry is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("remote store is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.WaitInitial <= 0 {
		opts.WaitInitial = 2 * time.Second
	}
	if opts.WaitMax < opts.WaitInitial {
		opts.WaitMax = time.Minute
		if opts.WaitMax < opts.WaitInitial {
			opts.WaitMax = opts.WaitInitial
		}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Engine{
		opts:       opts,
		session:    opts.Session,
		registry:   opts.Registry,
		store:      opts.Store,
		poller:     monitoring.NewPoller(opts.Registry, opts.Poll, log),
		gateway:    storage.NewGateway(opts.Registry, opts.Artifacts, log),
		dispatcher: executor.NewDispatcher(opts.Registry, log),
		log:        log.Named("plan"),
	}, nil
}

// Session returns the session remote operations run under
func (e *Engine) Session() *session.Session { return e.session }

// Plan materializes a draft plan with one pending task per replica, in
// replica order. The plan holds its own copy of the experiment.
func (e *Engine) Plan(exp *models.Experiment) (*Plan, error) {
	const op = "Engine.Plan"
	if exp == nil {
		return nil, errs.Newf(errs.KindValidation, op, "experiment is nil")
	}
	if err := validateExperiment(exp); err != nil {
		return nil, errs.New(errs.KindValidation, op, err)
	}

	snap := exp.Clone()
	now := models.Now()
	rec := models.Plan{
		Name:       snap.Name,
		Experiment: snap,
		Tasks:      make([]models.Task, len(snap.Replicas)),
		State:      models.PlanStateDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for i, r := range snap.Replicas {
		rec.Tasks[i] = models.Task{
			ID:       uuid.New().String(),
			Name:     fmt.Sprintf("%s-r%d", snap.Name, i),
			Index:    i,
			Resource: r.Clone(),
			State:    models.TaskStatePending,
		}
	}

	e.log.Debug("materialized plan", zap.String("experiment", snap.Name), zap.Int("tasks", len(rec.Tasks)))
	return e.wrap(rec), nil
}

// Load fetches a plan from the remote store
func (e *Engine) Load(ctx context.Context, id string) (*Plan, error) {
	const op = "Engine.Load"
	if err := session.Require(e.session, op); err != nil {
		return nil, err
	}
	rec, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, persistenceErr(op, err).WithPlan(id)
	}
	return e.wrap(*rec), nil
}

// LoadJSON reads a plan from a local snapshot
func (e *Engine) LoadJSON(path string) (*Plan, error) {
	rec, err := snapshot.Read(path)
	if err != nil {
		return nil, err
	}
	rec.LocalPath = path
	return e.wrap(*rec), nil
}

// LoadReconciled loads the remote plan and merges the local-only fields of
// the snapshot at localPath. The remote copy wins for lifecycle and task
// state. A missing snapshot is not an error.
func (e *Engine) LoadReconciled(ctx context.Context, id, localPath string) (*Plan, error) {
	const op = "Engine.LoadReconciled"
	if err := session.Require(e.session, op); err != nil {
		return nil, err
	}
	remote, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, persistenceErr(op, err).WithPlan(id)
	}

	var local *models.Plan
	if localPath != "" {
		local, err = snapshot.Read(localPath)
		switch {
		case err == nil:
			local.LocalPath = localPath
		case errs.IsNotFound(err):
			local = &models.Plan{LocalPath: localPath}
		default:
			return nil, err
		}
	}

	rec, err := Reconcile(*remote, local)
	if err != nil {
		return nil, errs.New(errs.KindValidation, op, err).WithPlan(id).WithPath(localPath)
	}
	return e.wrap(rec), nil
}

// Query lists remote plans ordered by creation time
func (e *Engine) Query(ctx context.Context, filter models.PlanFilter) ([]models.PlanSummary, error) {
	const op = "Engine.Query"
	if err := session.Require(e.session, op); err != nil {
		return nil, err
	}
	out, err := e.store.Query(ctx, filter)
	if err != nil {
		return nil, persistenceErr(op, err)
	}
	return out, nil
}

// Delete removes a plan from the remote store. Remote working directories
// and jobs are left untouched.
func (e *Engine) Delete(ctx context.Context, id string) error {
	const op = "Engine.Delete"
	if err := session.Require(e.session, op); err != nil {
		return err
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return persistenceErr(op, err).WithPlan(id)
	}
	return nil
}

func (e *Engine) wrap(rec models.Plan) *Plan {
	return &Plan{e: e, rec: rec}
}

func validateExperiment(exp *models.Experiment) error {
	if exp.Name == "" {
		return fmt.Errorf("experiment name is required")
	}
	if len(exp.Replicas) == 0 {
		return fmt.Errorf("experiment %s has no replicas", exp.Name)
	}
	adapter, err := apps.Lookup(exp.Application)
	if err != nil {
		return err
	}
	if missing := apps.MissingCategories(adapter, exp); len(missing) > 0 {
		return fmt.Errorf("experiment %s is missing required inputs: %v", exp.Name, missing)
	}
	if err := exp.CheckStagedNames(); err != nil {
		return fmt.Errorf("experiment %s: %w", exp.Name, err)
	}
	for i, r := range exp.Replicas {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("replica %d: %w", i, err)
		}
	}
	return nil
}

// persistenceErr classifies a store failure, keeping kinds set below
func persistenceErr(op string, err error) *errs.Error {
	var e *errs.Error
	if errors.As(err, &e) {
		return &errs.Error{Kind: e.Kind, Op: op, PlanID: e.PlanID, TaskID: e.TaskID, Path: e.Path, Err: err}
	}
	return errs.New(errs.KindPersistence, op, err)
}
