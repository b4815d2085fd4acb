package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hpc-orchestrator/api/rest/handlers"
	"hpc-orchestrator/core/backends"
	"hpc-orchestrator/core/backends/fake"
	"hpc-orchestrator/core/models"
	"hpc-orchestrator/core/plan"
	"hpc-orchestrator/core/repository"
	"hpc-orchestrator/core/session"
)

const specYAML = `
experiment:
  name: ubq
  application: generic
  parallelism: cpu
  inputs:
    config: [run.sh]
  replicas:
    - backend: slurm
      cluster: frontera
      walltime: 1h
      count: 2
`

type server struct {
	t       *testing.T
	router  *mux.Router
	backend *fake.Backend
	dir     string
	token   string
}

func newServer(t *testing.T, token string) *server {
	t.Helper()
	ctx := context.Background()
	db, err := repository.NewDB(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sess, err := session.New("alice", "tok", 0)
	require.NoError(t, err)
	fb := fake.New(models.BackendSlurm)
	plans := repository.NewPlanRepository(db)
	artifacts := repository.NewArtifactRepository(db)
	engine, err := plan.NewEngine(plan.Options{
		Session:   sess,
		Registry:  backends.NewRegistry(fb),
		Store:     plans,
		Artifacts: artifacts,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("echo hi\n"), 0o644))
	snapDir := t.TempDir()

	r := mux.NewRouter()
	SetupRoutes(r, Deps{
		Engine:    engine,
		Monitor:   plan.NewMonitor(engine, time.Hour),
		Plans:     plans,
		Events:    repository.NewEventRepository(db),
		Artifacts: artifacts,
		Snapshot:  func(id string) string { return filepath.Join(snapDir, id+".json") },
		Token:     token,
	})
	return &server{t: t, router: r, backend: fb, dir: dir, token: token}
}

func (s *server) do(method, path string, body []byte) *httptest.ResponseRecorder {
	s.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *server) create() string {
	s.t.Helper()
	body, err := json.Marshal(handlers.CreatePlanRequest{SpecYAML: specYAML, BaseDir: s.dir})
	require.NoError(s.t, err)
	rec := s.do("POST", "/v1/plans", body)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp handlers.PlanResponse
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(s.t, resp.Plan.ID)
	return resp.Plan.ID
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestPlanLifecycle(t *testing.T) {
	s := newServer(t, "")
	id := s.create()

	rec := s.do("GET", "/v1/plans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]models.PlanSummary](t, rec)
	require.Len(t, list["items"], 1)
	assert.Equal(t, models.PlanStateSaved, list["items"][0].State)

	rec = s.do("POST", "/v1/plans/"+id+"/launch", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[handlers.PlanResponse](t, rec)
	assert.Equal(t, models.PlanStateLaunched, resp.Plan.State)

	rec = s.do("POST", "/v1/plans/"+id+"/launch", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	s.backend.SetStateAll("RUNNING")
	rec = s.do("GET", "/v1/plans/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[handlers.PlanResponse](t, rec)
	require.NotNil(t, resp.Status)
	assert.Equal(t, models.PlanStateRunning, resp.Status.State)

	rec = s.do("POST", "/v1/plans/"+id+"/wait?timeout=0s", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do("POST", "/v1/plans/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[handlers.PlanResponse](t, rec)
	assert.Equal(t, models.PlanStateStopped, resp.Plan.State)
	assert.Len(t, s.backend.Cancelled(), 2)

	rec = s.do("GET", "/v1/plans/"+id+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[map[string][]models.PlanEvent](t, rec)
	require.NotEmpty(t, events["items"])
	last := events["items"][0]
	for _, ev := range events["items"] {
		if ev.TaskID == "" {
			last = ev
		}
	}
	assert.Equal(t, "stopped", last.ToState)

	rec = s.do("DELETE", "/v1/plans/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do("GET", "/v1/plans/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreatePlanErrors(t *testing.T) {
	s := newServer(t, "")

	rec := s.do("POST", "/v1/plans", []byte("{"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, _ := json.Marshal(handlers.CreatePlanRequest{SpecYAML: specYAML, BaseDir: t.TempDir()})
	rec = s.do("POST", "/v1/plans", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "inputs are missing")
	errResp := decode[handlers.ErrorResponse](t, rec)
	assert.Equal(t, "validation", string(errResp.Kind))
}

func TestFilesAndExec(t *testing.T) {
	s := newServer(t, "")
	id := s.create()

	rec := s.do("GET", "/v1/plans/"+id+"/tasks/0/files", nil)
	assert.NotEqual(t, http.StatusOK, rec.Code, "no working directory before launch")

	require.Equal(t, http.StatusOK, s.do("POST", "/v1/plans/"+id+"/launch", nil).Code)

	rec = s.do("PUT", "/v1/plans/"+id+"/tasks/1/files/data/sample.txt", []byte("lorem ipsum\n"))
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do("GET", "/v1/plans/"+id+"/tasks/1/files/data/sample.txt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lorem ipsum\n", rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))

	rec = s.do("GET", "/v1/plans/"+id+"/tasks/0/files", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "run.sh")

	rec = s.do("GET", "/v1/plans/"+id+"/tasks/0/files/missing.txt", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do("GET", "/v1/plans/"+id+"/tasks/9/files", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do("GET", "/v1/plans/"+id+"/tasks/0/artifacts?kind=upload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	artifacts := decode[map[string][]models.TaskArtifact](t, rec)
	require.NotEmpty(t, artifacts["items"])
	assert.Equal(t, "run.sh", artifacts["items"][0].Path)

	rec = s.do("POST", "/v1/plans/"+id+"/tasks/0/exec", []byte(`{"language":"shell","source":"echo 1"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[handlers.ExecResponse](t, rec)
	assert.Equal(t, "echo 1", out.Stdout)
	assert.Empty(t, out.Error)

	rec = s.do("POST", "/v1/plans/"+id+"/tasks/0/exec", []byte(`{"language":"cobol","source":"x"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDashboardAndMetrics(t *testing.T) {
	s := newServer(t, "")
	id := s.create()
	require.Equal(t, http.StatusOK, s.do("POST", "/v1/plans/"+id+"/launch", nil).Code)
	s.create()

	rec := s.do("GET", "/v1/dashboard?recent=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary struct {
		Plans  map[string]int       `json:"plans"`
		Tasks  map[string]int       `json:"tasks"`
		Total  int                  `json:"total"`
		Recent []models.PlanSummary `json:"recent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Plans["launched"])
	assert.Equal(t, 2, summary.Tasks["queued"])
	require.Len(t, summary.Recent, 1)
	assert.NotEqual(t, id, summary.Recent[0].ID)

	rec = s.do("GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `hpc_plans{state="saved"} 1`)
	assert.Contains(t, rec.Body.String(), "hpc_plans_total 2")

	assert.Equal(t, http.StatusOK, s.do("GET", "/health", nil).Code)
}

func TestTokenRequired(t *testing.T) {
	s := newServer(t, "s3cret")
	s.create()

	req := httptest.NewRequest("GET", "/v1/plans", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest("GET", "/v1/plans", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest("GET", "/health", nil)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "health is public")
}
