package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"hpc-orchestrator/core/executor"
	"hpc-orchestrator/core/models"
	"hpc-orchestrator/storage"
)

// ArtifactSource reads transfer records
type ArtifactSource interface {
	GetTaskArtifacts(ctx context.Context, planID, taskID string, kind *models.ArtifactKind) ([]models.TaskArtifact, error)
}

// TaskHandler handles file and execution requests against one task
type TaskHandler struct {
	plans     PlanCache
	artifacts ArtifactSource
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(plans PlanCache, artifacts ArtifactSource) *TaskHandler {
	return &TaskHandler{plans: plans, artifacts: artifacts}
}

// ExecResponse carries the output of a remote execution. Error is set when
// the code ran and failed.
type ExecResponse struct {
	executor.Result
	Error string `json:"error,omitempty"`
}

// ListFiles handles GET /v1/plans/{id}/tasks/{index}/files
func (h *TaskHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	files, ok := h.files(w, r)
	if !ok {
		return
	}
	entries, err := files.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workdir": files.WorkDir(), "items": entries})
}

// GetFile handles GET /v1/plans/{id}/tasks/{index}/files/{path}
func (h *TaskHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	files, ok := h.files(w, r)
	if !ok {
		return
	}
	data, err := files.ReadBytes(r.Context(), mux.Vars(r)["path"])
	if err != nil {
		writeError(w, err)
		return
	}
	if storage.IsText(data) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// PutFile handles PUT /v1/plans/{id}/tasks/{index}/files/{path}
func (h *TaskHandler) PutFile(w http.ResponseWriter, r *http.Request) {
	files, ok := h.files(w, r)
	if !ok {
		return
	}
	if err := files.Put(r.Context(), mux.Vars(r)["path"], r.Body); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetArtifacts handles GET /v1/plans/{id}/tasks/{index}/artifacts
func (h *TaskHandler) GetArtifacts(w http.ResponseWriter, r *http.Request) {
	i, ok := taskIndex(r)
	if !ok {
		badRequest(w, "invalid task index")
		return
	}
	p, err := h.plans.Open(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	snap := p.Snapshot()
	if i >= len(snap.Tasks) {
		badRequest(w, "task index out of range")
		return
	}

	var kind *models.ArtifactKind
	if k := r.URL.Query().Get("kind"); k != "" {
		ak := models.ArtifactKind(k)
		kind = &ak
	}
	items, err := h.artifacts.GetTaskArtifacts(r.Context(), snap.ID, snap.Tasks[i].ID, kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// Exec handles POST /v1/plans/{id}/tasks/{index}/exec
func (h *TaskHandler) Exec(w http.ResponseWriter, r *http.Request) {
	i, ok := taskIndex(r)
	if !ok {
		badRequest(w, "invalid task index")
		return
	}
	var req executor.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	p, err := h.plans.Open(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := p.Execute(r.Context(), i, req)
	if err != nil && res == nil {
		writeError(w, err)
		return
	}
	resp := ExecResponse{Result: *res}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *TaskHandler) files(w http.ResponseWriter, r *http.Request) (*storage.TaskFiles, bool) {
	i, ok := taskIndex(r)
	if !ok {
		badRequest(w, "invalid task index")
		return nil, false
	}
	p, err := h.plans.Open(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	files, err := p.Files(i)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return files, true
}
