package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"hpc-orchestrator/core/errs"
	"hpc-orchestrator/core/models"
	"hpc-orchestrator/core/plan"
	"hpc-orchestrator/core/spec"
)

// PlanStore is the plan side of the engine used by the handlers
type PlanStore interface {
	Plan(exp *models.Experiment) (*plan.Plan, error)
	Query(ctx context.Context, filter models.PlanFilter) ([]models.PlanSummary, error)
	Delete(ctx context.Context, id string) error
}

// PlanCache hands out shared plan handles
type PlanCache interface {
	Open(ctx context.Context, id string) (*plan.Plan, error)
	Track(p *plan.Plan)
	Forget(id string)
}

// EventSource reads the plan event log
type EventSource interface {
	GetPlanEvents(ctx context.Context, planID string, limit int) ([]models.PlanEvent, error)
}

// PlanHandler handles plan-related HTTP requests
type PlanHandler struct {
	engine   PlanStore
	plans    PlanCache
	events   EventSource
	snapshot func(id string) string // Local snapshot path, optional
	log      *zap.Logger
}

// NewPlanHandler creates a new plan handler. snapshot may be nil to keep
// plans in the remote store only.
func NewPlanHandler(engine PlanStore, plans PlanCache, events EventSource, snapshot func(id string) string, log *zap.Logger) *PlanHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &PlanHandler{engine: engine, plans: plans, events: events, snapshot: snapshot, log: log.Named("api")}
}

// CreatePlanRequest represents the request to create a plan
type CreatePlanRequest struct {
	Name     string `json:"name"`      // Overrides the experiment name
	SpecYAML string `json:"spec_yaml"` // Experiment specification
	BaseDir  string `json:"base_dir"`  // Resolves relative input paths on the server
}

// PlanResponse is a plan together with its latest status
type PlanResponse struct {
	Plan   models.PlanView    `json:"plan"`
	Status *plan.StatusReport `json:"status,omitempty"`
}

// CreatePlan handles POST /v1/plans
func (h *PlanHandler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(req.SpecYAML) == "" {
		badRequest(w, "spec_yaml is required")
		return
	}

	exp, err := spec.ParseExperimentSpec(req.SpecYAML, req.BaseDir)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Name != "" {
		exp.Name = req.Name
	}

	p, err := h.engine.Plan(exp)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := p.Save(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	if h.snapshot != nil {
		if err := p.SaveJSON(h.snapshot(p.ID())); err != nil {
			h.log.Warn("failed to write local snapshot", zap.String("plan_id", p.ID()), zap.Error(err))
		}
	}
	h.plans.Track(p)

	writeJSON(w, http.StatusCreated, PlanResponse{Plan: models.SummarizePlan(p.Snapshot())})
}

// ListPlans handles GET /v1/plans
func (h *PlanHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(r, "limit", 50)
	if !ok {
		badRequest(w, "invalid limit")
		return
	}
	filter := models.PlanFilter{Name: r.URL.Query().Get("name"), Limit: limit}
	if s := r.URL.Query().Get("state"); s != "" {
		state := models.PlanState(s)
		filter.State = &state
	}

	items, err := h.engine.Query(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// GetPlan handles GET /v1/plans/{id}. The status is polled before
// responding.
func (h *PlanHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	p, ok := h.open(w, r)
	if !ok {
		return
	}
	report, err := p.Status(r.Context())
	if err != nil && report == nil {
		writeError(w, err)
		return
	}
	if err != nil {
		h.log.Warn("status not persisted", zap.String("plan_id", p.ID()), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, PlanResponse{Plan: models.SummarizePlan(p.Snapshot()), Status: report})
}

// LaunchPlan handles POST /v1/plans/{id}/launch
func (h *PlanHandler) LaunchPlan(w http.ResponseWriter, r *http.Request) {
	p, ok := h.open(w, r)
	if !ok {
		return
	}
	if err := p.Launch(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PlanResponse{Plan: models.SummarizePlan(p.Snapshot())})
}

// StopPlan handles POST /v1/plans/{id}/stop
func (h *PlanHandler) StopPlan(w http.ResponseWriter, r *http.Request) {
	p, ok := h.open(w, r)
	if !ok {
		return
	}
	if err := p.Stop(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PlanResponse{Plan: models.SummarizePlan(p.Snapshot())})
}

// WaitPlan handles POST /v1/plans/{id}/wait?timeout=
func (h *PlanHandler) WaitPlan(w http.ResponseWriter, r *http.Request) {
	p, ok := h.open(w, r)
	if !ok {
		return
	}
	timeout := time.Duration(0)
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			badRequest(w, "invalid timeout")
			return
		}
		timeout = d
	}

	report, err := p.Wait(r.Context(), timeout)
	if err != nil {
		if report != nil && errs.KindOf(err) == errs.KindTimeout {
			writeJSON(w, http.StatusAccepted, PlanResponse{Plan: models.SummarizePlan(p.Snapshot()), Status: report})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PlanResponse{Plan: models.SummarizePlan(p.Snapshot()), Status: report})
}

// DeletePlan handles DELETE /v1/plans/{id}
func (h *PlanHandler) DeletePlan(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.engine.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.plans.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

// GetPlanEvents handles GET /v1/plans/{id}/events
func (h *PlanHandler) GetPlanEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit, ok := intParam(r, "limit", 500)
	if !ok {
		badRequest(w, "invalid limit")
		return
	}
	if _, ok := h.open(w, r); !ok {
		return
	}

	events, err := h.events.GetPlanEvents(r.Context(), id, limit)
	if err != nil {
		writeError(w, errs.New(errs.KindPersistence, "PlanHandler.GetPlanEvents", err).WithPlan(id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": events})
}

func (h *PlanHandler) open(w http.ResponseWriter, r *http.Request) (*plan.Plan, bool) {
	p, err := h.plans.Open(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return p, true
}
