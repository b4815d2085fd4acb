package plan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hpc-orchestrator/core/errs"
	"hpc-orchestrator/core/models"
	"hpc-orchestrator/core/monitoring"
	"hpc-orchestrator/core/session"
)

// TaskStatus is the polled detail of one task
type TaskStatus struct {
	Index     int              `json:"index"`
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	JobID     string           `json:"job_id,omitempty"`
	State     models.TaskState `json:"state"`
	Raw       string           `json:"raw_state,omitempty"`
	At        *time.Time       `json:"status_at,omitempty"`
	Error     string           `json:"error,omitempty"`      // Last hard failure
	PollError string           `json:"poll_error,omitempty"` // This poll's soft failure
}

// StatusReport is the result of a status poll
type StatusReport struct {
	PlanID string                   `json:"plan_id,omitempty"`
	Name   string                   `json:"name"`
	State  models.PlanState         `json:"state"`
	Tasks  []TaskStatus             `json:"tasks"`
	Counts map[models.TaskState]int `json:"counts"`
	At     time.Time                `json:"at"`
}

// Terminal reports whether the plan has reached a final state
func (r *StatusReport) Terminal() bool { return r.State.IsTerminal() }

// Status polls every submitted, unfinished task and applies the results in
// one step. Polling failures are reported per task and leave its state
// unchanged. Changes are persisted; the report is returned even when
// persisting fails.
func (p *Plan) Status(ctx context.Context) (*StatusReport, error) {
	const op = "Plan.Status"
	if err := session.Require(p.e.session, op); err != nil {
		return nil, err
	}

	p.mu.Lock()
	launched := p.rec.State.IsLaunched()
	tasks := make([]models.Task, len(p.rec.Tasks))
	for i, t := range p.rec.Tasks {
		tasks[i] = t.Clone()
	}
	p.mu.Unlock()

	if !launched {
		return p.report(nil), nil
	}

	polls := p.e.poller.PollAll(ctx, tasks)
	if !p.apply(polls) {
		return p.report(polls), nil
	}
	// Persisting may rebase onto a newer stored revision
	err := p.persist(ctx, op)
	return p.report(polls), err
}

// apply folds poll results into the record and recomputes the plan state
// from the resulting task set. It reports whether anything changed.
func (p *Plan) apply(polls []monitoring.TaskPoll) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	byID := make(map[string]int, len(p.rec.Tasks))
	for i, t := range p.rec.Tasks {
		byID[t.ID] = i
	}

	changed := false
	for _, poll := range polls {
		i, ok := byID[poll.TaskID]
		if !ok {
			continue
		}
		t := &p.rec.Tasks[i]
		// A stop or launch may have finished the task since the poll began
		if t.State.IsTerminal() || !poll.Changed(*t) {
			continue
		}
		at := poll.At
		t.State = poll.State
		t.RawState = poll.Raw
		t.StatusAt = &at
		changed = true
	}

	before := p.rec.State
	if !p.launching {
		p.refreshLocked()
	}
	if p.rec.State != before {
		changed = true
		p.e.log.Info("plan state changed",
			zap.String("plan_id", p.rec.ID),
			zap.String("from", string(before)),
			zap.String("to", string(p.rec.State)))
	}
	if changed {
		p.rec.UpdatedAt = models.Now()
	}
	return changed
}

func (p *Plan) report(polls []monitoring.TaskPoll) *StatusReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	soft := make(map[string]string)
	for _, poll := range polls {
		if poll.Err != nil {
			soft[poll.TaskID] = poll.Err.Error()
		}
	}

	r := &StatusReport{
		PlanID: p.rec.ID,
		Name:   p.rec.Name,
		State:  p.rec.State,
		Tasks:  make([]TaskStatus, len(p.rec.Tasks)),
		Counts: make(map[models.TaskState]int),
		At:     models.Now(),
	}
	for i, t := range p.rec.Tasks {
		ts := TaskStatus{
			Index:     t.Index,
			ID:        t.ID,
			Name:      t.Name,
			JobID:     t.JobID,
			State:     t.State,
			Raw:       t.RawState,
			Error:     t.Error,
			PollError: soft[t.ID],
		}
		if t.StatusAt != nil {
			at := *t.StatusAt
			ts.At = &at
		}
		r.Tasks[i] = ts
		r.Counts[t.State]++
	}
	return r
}

// Wait polls until the plan reaches a terminal state. A zero timeout checks
// the current state once without polling; a negative timeout waits until
// ctx is done. Polls back off exponentially up to the engine's cap. Giving
// up, by timeout or by ctx, returns a timeout error and changes nothing.
func (p *Plan) Wait(ctx context.Context, timeout time.Duration) (*StatusReport, error) {
	const op = "Plan.Wait"
	if err := session.Require(p.e.session, op); err != nil {
		return nil, err
	}

	p.mu.Lock()
	state, id := p.rec.State, p.rec.ID
	p.mu.Unlock()

	if state.IsTerminal() {
		return p.report(nil), nil
	}
	if !state.IsLaunched() {
		return nil, errs.Newf(errs.KindInvalidState, op, "plan is %s and will never finish", state).WithPlan(id)
	}
	if timeout == 0 {
		return p.report(nil), errs.Newf(errs.KindTimeout, op, "plan is %s", state).WithPlan(id)
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	delay := p.e.opts.WaitInitial
	for {
		report, err := p.Status(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return p.report(nil), errs.New(errs.KindTimeout, op, ctxErr).WithPlan(id)
		}
		if err != nil {
			return report, err
		}
		if report.Terminal() {
			return report, nil
		}

		sleep := delay
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return report, errs.New(errs.KindTimeout, op, fmt.Errorf("plan not finished after %s", timeout)).WithPlan(id)
			}
			if sleep > remaining {
				sleep = remaining
			}
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return p.report(nil), errs.New(errs.KindTimeout, op, ctx.Err()).WithPlan(id)
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * 1.5)
		if delay > p.e.opts.WaitMax {
			delay = p.e.opts.WaitMax
		}
	}
}

// IsCancelled reports whether a Wait was abandoned through its context
func IsCancelled(err error) bool {
	return errs.IsTimeout(err) && errors.Is(err, context.Canceled)
}
