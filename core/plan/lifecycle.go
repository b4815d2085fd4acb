package plan

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hpc-orchestrator/core/apps"
	"hpc-orchestrator/core/backends"
	"hpc-orchestrator/core/errs"
	"hpc-orchestrator/core/models"
	"hpc-orchestrator/core/session"
)

// Aggregate derives the plan state from its task states. It is a pure
// function of the task set, independent of order:
//   - stopped once a stop was requested
//   - completed when every task completed
//   - failed when any task failed, or was cancelled without a stop request
//   - running when any task runs or has completed
//   - launched otherwise
func Aggregate(stopRequested bool, states []models.TaskState) models.PlanState {
	if stopRequested {
		return models.PlanStateStopped
	}
	completed, running := 0, false
	for _, s := range states {
		switch s {
		case models.TaskStateFailed, models.TaskStateCancelled:
			return models.PlanStateFailed
		case models.TaskStateCompleted:
			completed++
		case models.TaskStateRunning:
			running = true
		}
	}
	if len(states) > 0 && completed == len(states) {
		return models.PlanStateCompleted
	}
	if running || completed > 0 {
		return models.PlanStateRunning
	}
	return models.PlanStateLaunched
}

// next returns the state a plan moves to; terminal states are never left
// except for a requested stop of a failed plan
func next(current models.PlanState, stopRequested bool, states []models.TaskState) models.PlanState {
	agg := Aggregate(stopRequested, states)
	if current.IsTerminal() && !agg.IsTerminal() {
		return current
	}
	if current.IsTerminal() && agg != current && !(current == models.PlanStateFailed && agg == models.PlanStateStopped) {
		return current
	}
	return agg
}

// refreshLocked recomputes the plan state; callers hold p.mu
func (p *Plan) refreshLocked() {
	p.rec.State = next(p.rec.State, p.rec.StopRequested, p.rec.TaskStates())
}

// Launch stages every task's inputs into a fresh working directory and
// submits it. Staging runs concurrently; submissions happen one at a time in
// replica order. A task that fails to start is marked failed and leaves the
// plan failed; tasks already submitted keep running. A plan with an identity
// is recorded as launched remotely before anything is submitted, so it is
// launched at most once across processes. The plan is saved remotely
// afterwards, which assigns an identity if it has none.
func (p *Plan) Launch(ctx context.Context) error {
	const op = "Plan.Launch"
	if err := session.Require(p.e.session, op); err != nil {
		return err
	}

	p.mu.Lock()
	if p.rec.State != models.PlanStateSaved || p.launching {
		state, id := p.rec.State, p.rec.ID
		p.mu.Unlock()
		if state == models.PlanStateSaved {
			return errs.Newf(errs.KindInvalidState, op, "launch already in progress").WithPlan(id)
		}
		return errs.Newf(errs.KindInvalidState, op, "plan is %s, launch requires saved", state).WithPlan(id)
	}
	p.launching = true
	p.rec.State = models.PlanStateLaunched
	now := models.Now()
	p.rec.LaunchedAt = &now
	claim := p.rec.ID != ""
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.launching = false
		p.mu.Unlock()
	}()

	if claim {
		if err := p.claim(ctx, op); err != nil {
			return err
		}
	}

	p.mu.Lock()
	exp := p.rec.Experiment.Clone()
	tasks := make([]models.Task, len(p.rec.Tasks))
	for i, t := range p.rec.Tasks {
		tasks[i] = t.Clone()
	}
	planID := p.rec.ID
	p.mu.Unlock()

	log := p.e.log.With(zap.String("plan_id", planID), zap.String("name", exp.Name))
	log.Info("launching plan", zap.Int("tasks", len(tasks)))

	// Task i submits once task i-1 has submitted or given up
	turns := make([]chan struct{}, len(tasks)+1)
	for i := range turns {
		turns[i] = make(chan struct{})
	}
	close(turns[0])

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.e.opts.Concurrency)
	for i := range tasks {
		task, turn, done := tasks[i], turns[i], turns[i+1]
		g.Go(func() error {
			p.launchTask(gctx, planID, &exp, task, turn, done, log)
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	p.refreshLocked()
	state := p.rec.State
	p.mu.Unlock()
	log.Info("plan launched", zap.String("state", string(state)))

	if err := p.saveRemote(ctx, op); err != nil {
		return err
	}

	// The save may have picked up a stop requested from another process
	if p.stopRequested() {
		if targets := p.cancelTargets(); len(targets) > 0 {
			log.Info("plan stopped during launch", zap.Int("tasks", len(targets)))
			p.cancelAll(ctx, targets, log)
			if err := p.saveRemote(ctx, op); err != nil {
				return err
			}
		}
	}

	if local := p.localPath(); local != "" {
		return p.SaveJSON(local)
	}
	return nil
}

// claim records the launch in the remote store. Losing a race against a
// launch elsewhere adopts the stored record and fails; a failed claim
// returns the plan to saved.
func (p *Plan) claim(ctx context.Context, op string) error {
	for attempt := 0; ; attempt++ {
		err := p.trySave(ctx, op)
		if err == nil {
			return nil
		}
		if errs.IsConflict(err) && attempt < maxRebase {
			err = p.reclaim(ctx, op)
			if err == nil {
				continue
			}
			if errs.IsInvalidState(err) {
				return err
			}
		}

		p.mu.Lock()
		p.rec.State = models.PlanStateSaved
		p.rec.LaunchedAt = nil
		p.mu.Unlock()
		return err
	}
}

// reclaim adopts the stored revision ahead of another launch attempt
func (p *Plan) reclaim(ctx context.Context, op string) error {
	id := p.ID()
	remote, err := p.e.store.Load(ctx, id)
	if err != nil {
		return persistenceErr(op, err).WithPlan(id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	merged, err := Reconcile(*remote, &p.rec)
	if err != nil {
		return errs.New(errs.KindPersistence, op, err).WithPlan(id)
	}
	if merged.State != models.PlanStateSaved {
		p.rec = merged
		p.e.log.Info("plan launched elsewhere", zap.String("plan_id", id), zap.String("state", string(merged.State)))
		return errs.Newf(errs.KindInvalidState, op, "plan was launched elsewhere and is %s", merged.State).WithPlan(id)
	}
	at := p.rec.LaunchedAt
	p.rec = merged
	p.rec.State = models.PlanStateLaunched
	p.rec.LaunchedAt = at
	return nil
}

// launchTask prepares, stages and submits one task, recording the outcome
// on the plan record. It submits after turn is closed and closes done once
// it has submitted or given up, never before turn.
func (p *Plan) launchTask(ctx context.Context, planID string, exp *models.Experiment, task models.Task, turn <-chan struct{}, done chan struct{}, log *zap.Logger) {
	var once sync.Once
	pass := func() {
		once.Do(func() {
			<-turn
			close(done)
		})
	}
	defer pass()

	log = log.With(zap.String("task_id", task.ID), zap.String("backend", string(task.Resource.Backend)))

	notStarted := func() {
		p.updateTask(task.ID, func(t *models.Task) {
			t.State = models.TaskStateCancelled
			t.Error = "not started: stop requested"
		})
	}
	if p.stopRequested() {
		notStarted()
		return
	}

	fail := func(stage string, err error) {
		log.Warn("task failed to start", zap.String("stage", stage), zap.Error(err))
		p.updateTask(task.ID, func(t *models.Task) {
			t.State = models.TaskStateFailed
			t.Error = fmt.Sprintf("%s: %s", stage, errorText(err))
		})
	}

	backend, err := p.e.registry.For(task.Resource)
	if err != nil {
		fail("backend", err)
		return
	}
	adapter, err := apps.Lookup(exp.Application)
	if err != nil {
		fail("script", err)
		return
	}
	script, err := adapter.Script(exp, task.Resource)
	if err != nil {
		fail("script", err)
		return
	}

	workdir, err := backend.Prepare(ctx, task.Resource, task.Name)
	if err != nil {
		fail("prepare", err)
		return
	}
	task.WorkDir = workdir
	p.updateTask(task.ID, func(t *models.Task) { t.WorkDir = workdir })

	files := p.e.gateway.ForTask(planID, task)
	for _, in := range exp.Inputs {
		if err := files.Upload(ctx, in.Path, in.StagedName()); err != nil {
			fail("stage", err)
			return
		}
	}

	select {
	case <-turn:
	case <-ctx.Done():
		fail("submit", ctx.Err())
		return
	}
	if p.stopRequested() {
		notStarted()
		return
	}

	jobID, err := backend.Submit(ctx, backends.SubmitRequest{
		TaskID:   task.ID,
		Name:     task.Name,
		WorkDir:  workdir,
		Resource: task.Resource,
		Script:   script,
	})
	pass()
	if err != nil {
		fail("submit", err)
		return
	}

	var cancel bool
	p.updateTask(task.ID, func(t *models.Task) {
		at := models.Now()
		t.JobID = jobID
		t.State = models.TaskStateQueued
		t.StatusAt = &at
		t.Error = ""
		cancel = p.rec.StopRequested
	})
	log.Debug("task submitted", zap.String("job_id", jobID), zap.String("workdir", workdir))

	// The stop request arrived while this task was being submitted
	if cancel {
		p.cancelTask(ctx, backend, task.ID, task.Resource, jobID, log)
	}
}

// Stop requests termination of the plan and cancels every submitted task
// that has not finished. Cancellation is best effort: failures are recorded
// on the task. Stopping a stopped plan does nothing.
func (p *Plan) Stop(ctx context.Context) error {
	const op = "Plan.Stop"
	if err := session.Require(p.e.session, op); err != nil {
		return err
	}

	p.mu.Lock()
	switch p.rec.State {
	case models.PlanStateStopped:
		p.mu.Unlock()
		return nil
	case models.PlanStateLaunched, models.PlanStateRunning:
	case models.PlanStateFailed:
		if !p.hasLiveTasksLocked() {
			id := p.rec.ID
			p.mu.Unlock()
			return errs.Newf(errs.KindInvalidState, op, "plan failed and has no live tasks").WithPlan(id)
		}
	default:
		state, id := p.rec.State, p.rec.ID
		p.mu.Unlock()
		return errs.Newf(errs.KindInvalidState, op, "plan is %s", state).WithPlan(id)
	}
	p.rec.StopRequested = true
	p.rec.State = models.PlanStateStopped
	targets := p.cancelTargetsLocked()
	planID := p.rec.ID
	p.mu.Unlock()

	log := p.e.log.With(zap.String("plan_id", planID))
	log.Info("stopping plan", zap.Int("tasks", len(targets)))
	p.cancelAll(ctx, targets, log)

	return p.persist(ctx, op)
}

// cancelTargets returns the submitted tasks that have not finished
func (p *Plan) cancelTargets() []models.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelTargetsLocked()
}

func (p *Plan) cancelTargetsLocked() []models.Task {
	var targets []models.Task
	for _, t := range p.rec.Tasks {
		if t.JobID != "" && !t.State.IsTerminal() {
			targets = append(targets, t.Clone())
		}
	}
	return targets
}

// cancelAll cancels targets concurrently. Failures are recorded on the task.
func (p *Plan) cancelAll(ctx context.Context, targets []models.Task, log *zap.Logger) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.e.opts.Concurrency)
	for _, t := range targets {
		g.Go(func() error {
			tlog := log.With(zap.String("task_id", t.ID))
			backend, err := p.e.registry.For(t.Resource)
			if err != nil {
				tlog.Warn("cannot cancel task", zap.Error(err))
				p.updateTask(t.ID, func(task *models.Task) { task.Error = "cancel: " + errorText(err) })
				return nil
			}
			p.cancelTask(gctx, backend, t.ID, t.Resource, t.JobID, tlog)
			return nil
		})
	}
	_ = g.Wait()
}

// cancelTask cancels one job and marks the task cancelled on success
func (p *Plan) cancelTask(ctx context.Context, backend backends.Backend, taskID string, res models.ResourceHandle, jobID string, log *zap.Logger) {
	if err := backend.Cancel(ctx, res, jobID); err != nil {
		log.Warn("cancel failed", zap.String("job_id", jobID), zap.Error(err))
		p.updateTask(taskID, func(t *models.Task) { t.Error = "cancel: " + errorText(err) })
		return
	}
	p.updateTask(taskID, func(t *models.Task) {
		if t.State.IsTerminal() {
			return
		}
		at := models.Now()
		t.State = models.TaskStateCancelled
		t.StatusAt = &at
	})
}

// updateTask mutates one task under the lock and refreshes the plan state
func (p *Plan) updateTask(id string, fn func(*models.Task)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.rec.Tasks {
		if p.rec.Tasks[i].ID == id {
			fn(&p.rec.Tasks[i])
			break
		}
	}
	if p.rec.State.IsLaunched() && !p.launching {
		p.refreshLocked()
	}
}

func (p *Plan) stopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec.StopRequested
}

func (p *Plan) localPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec.LocalPath
}

func (p *Plan) hasLiveTasksLocked() bool {
	for _, t := range p.rec.Tasks {
		if t.JobID != "" && t.State.IsLive() {
			return true
		}
	}
	return false
}
