package plan

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"hpc-orchestrator/core/errs"
	"hpc-orchestrator/core/executor"
	"hpc-orchestrator/core/models"
	"hpc-orchestrator/core/session"
	"hpc-orchestrator/core/snapshot"
	"hpc-orchestrator/storage"
)

// Plan is a live handle on a plan record. All task and lifecycle mutations
// happen under its mutex; network calls never hold it.
type Plan struct {
	e *Engine

	mu        sync.Mutex
	rec       models.Plan
	launching bool
}

// Snapshot returns a deep copy of the current record
func (p *Plan) Snapshot() models.Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec.Clone()
}

// ID returns the remote identity, empty before the first remote save
func (p *Plan) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec.ID
}

// State returns the lifecycle state
func (p *Plan) State() models.PlanState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec.State
}

// Save writes the plan to the remote store, assigning its identity on first
// save. A draft becomes saved; later states are persisted unchanged. On
// failure neither state nor identity change.
func (p *Plan) Save(ctx context.Context) error {
	const op = "Plan.Save"
	if err := session.Require(p.e.session, op); err != nil {
		return err
	}
	return p.saveRemote(ctx, op)
}

// SaveJSON writes the plan to a local snapshot. An empty path reuses the
// last snapshot location. Local and remote copies are saved independently
// and may diverge until both succeed.
func (p *Plan) SaveJSON(path string) error {
	const op = "Plan.SaveJSON"

	p.mu.Lock()
	if path == "" {
		path = p.rec.LocalPath
	}
	if strings.TrimSpace(path) == "" {
		id := p.rec.ID
		p.mu.Unlock()
		return errs.Newf(errs.KindValidation, op, "no snapshot path").WithPlan(id)
	}
	doc := p.rec.Clone()
	markSaved(&doc)
	doc.LocalPath = path
	p.mu.Unlock()

	if err := snapshot.Write(path, &doc); err != nil {
		return err
	}

	p.mu.Lock()
	adoptSaved(&p.rec, &doc)
	p.rec.LocalPath = path
	p.mu.Unlock()
	return nil
}

// Files returns file access to the working directory of task i
func (p *Plan) Files(i int) (*storage.TaskFiles, error) {
	const op = "Plan.Files"
	if err := session.Require(p.e.session, op); err != nil {
		return nil, err
	}
	task, id, err := p.task(op, i)
	if err != nil {
		return nil, err
	}
	return p.e.gateway.ForTask(id, task), nil
}

// Execute runs req inside the working directory of task i. The task must
// be queued or running.
func (p *Plan) Execute(ctx context.Context, i int, req executor.Request) (*executor.Result, error) {
	const op = "Plan.Execute"
	if err := session.Require(p.e.session, op); err != nil {
		return nil, err
	}
	task, id, err := p.task(op, i)
	if err != nil {
		return nil, err
	}
	return p.e.dispatcher.Dispatch(ctx, id, task, req)
}

func (p *Plan) task(op string, i int) (models.Task, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.rec.Tasks) {
		return models.Task{}, "", errs.Newf(errs.KindValidation, op, "task index %d out of range [0,%d)", i, len(p.rec.Tasks)).WithPlan(p.rec.ID)
	}
	return p.rec.Tasks[i].Clone(), p.rec.ID, nil
}

// maxRebase bounds how often a save is retried after losing a race with
// another writer
const maxRebase = 3

// saveRemote writes a copy of the record. When another writer saved the plan
// first, the record is rebased onto the stored revision and written again.
func (p *Plan) saveRemote(ctx context.Context, op string) error {
	for attempt := 0; ; attempt++ {
		err := p.trySave(ctx, op)
		if err == nil || !errs.IsConflict(err) || attempt == maxRebase {
			return err
		}
		if err := p.pull(ctx, op, false); err != nil {
			return err
		}
	}
}

// trySave writes a copy of the record once and adopts the identity and
// revision assigned by the store
func (p *Plan) trySave(ctx context.Context, op string) error {
	p.mu.Lock()
	doc := p.rec.Clone()
	markSaved(&doc)
	p.mu.Unlock()

	id, err := p.e.store.Save(ctx, &doc)
	if err != nil {
		return persistenceErr(op, err).WithPlan(doc.ID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rec.ID == "" {
		p.e.log.Info("plan saved", zap.String("plan_id", id), zap.String("name", p.rec.Name))
	}
	p.rec.ID = id
	// A concurrent save of this handle may already have adopted a later revision
	if doc.Version > p.rec.Version {
		p.rec.Version = doc.Version
		p.rec.UpdatedAt = doc.UpdatedAt
	}
	p.rec.CreatedAt = doc.CreatedAt
	adoptSaved(&p.rec, &doc)
	return nil
}

// Sync refreshes the handle when the remote store holds a newer revision,
// keeping changes this handle has not saved yet. Plans without an identity
// are left as they are.
func (p *Plan) Sync(ctx context.Context) error {
	const op = "Plan.Sync"
	if err := session.Require(p.e.session, op); err != nil {
		return err
	}
	return p.pull(ctx, op, true)
}

// pull loads the stored revision and rebases the record onto it. With
// onlyNewer set, a revision no newer than the handle's is ignored.
func (p *Plan) pull(ctx context.Context, op string, onlyNewer bool) error {
	id := p.ID()
	if id == "" {
		return nil
	}
	remote, err := p.e.store.Load(ctx, id)
	if err != nil {
		return persistenceErr(op, err).WithPlan(id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if onlyNewer && remote.Version <= p.rec.Version {
		return nil
	}
	before := p.rec.State
	p.rec = Rebase(*remote, p.rec)
	p.e.log.Debug("plan rebased",
		zap.String("plan_id", id),
		zap.Int64("version", p.rec.Version),
		zap.String("from", string(before)),
		zap.String("to", string(p.rec.State)))
	return nil
}

// persist writes the record wherever it has been saved before
func (p *Plan) persist(ctx context.Context, op string) error {
	p.mu.Lock()
	remote, local := p.rec.ID != "", p.rec.LocalPath
	p.mu.Unlock()

	var failures []error
	if remote {
		if err := p.saveRemote(ctx, op); err != nil {
			failures = append(failures, err)
		}
	}
	if local != "" {
		if err := p.SaveJSON(local); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		p.e.log.Warn("plan persistence failed", zap.String("plan_id", p.ID()), zap.Errors("errors", failures))
		return failures[0]
	}
	return nil
}

// markSaved promotes a draft; SavedAt records when the plan was first saved
func markSaved(rec *models.Plan) {
	if rec.State != models.PlanStateDraft && rec.State != "" {
		return
	}
	rec.State = models.PlanStateSaved
	if rec.SavedAt == nil {
		at := models.Now()
		rec.SavedAt = &at
	}
}

// adoptSaved copies the save promotion of doc onto rec
func adoptSaved(rec, doc *models.Plan) {
	if rec.State == models.PlanStateDraft || rec.State == "" {
		rec.State = doc.State
	}
	if rec.SavedAt == nil && doc.SavedAt != nil {
		at := *doc.SavedAt
		rec.SavedAt = &at
	}
}

// errorText is the message stored on a task for a hard failure
func errorText(err error) string {
	var e *errs.Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}
