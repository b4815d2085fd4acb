package handlers

import (
	"net/http"

	"hpc-orchestrator/core/models"
	"hpc-orchestrator/core/monitoring"
)

// DashboardHandler handles dashboard API requests
type DashboardHandler struct {
	metrics *monitoring.MetricsExporter
	plans   PlanStore
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(metrics *monitoring.MetricsExporter, plans PlanStore) *DashboardHandler {
	return &DashboardHandler{metrics: metrics, plans: plans}
}

// GetSummary handles GET /v1/dashboard
func (h *DashboardHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := h.metrics.Collect(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	limit, ok := intParam(r, "recent", 10)
	if !ok {
		badRequest(w, "invalid recent")
		return
	}
	recent := []models.PlanSummary{}
	if limit > 0 {
		all, err := h.plans.Query(r.Context(), models.PlanFilter{})
		if err != nil {
			writeError(w, err)
			return
		}
		// Query orders oldest first
		for i := len(all) - 1; i >= 0 && len(recent) < limit; i-- {
			recent = append(recent, all[i])
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plans":  counts.Plans,
		"tasks":  counts.Tasks,
		"total":  counts.Total,
		"recent": recent,
	})
}

// GetMetrics handles GET /metrics in Prometheus text format
func (h *DashboardHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	text, err := h.metrics.GetPrometheusMetrics(r.Context())
	if err != nil {
		http.Error(w, "failed to collect metrics: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(text))
}
