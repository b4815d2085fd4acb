package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"hpc-orchestrator/api/rest/handlers"
	"hpc-orchestrator/core/monitoring"
	"hpc-orchestrator/core/plan"
	"hpc-orchestrator/core/repository"
)

// Deps are the components the API serves
type Deps struct {
	Engine    *plan.Engine
	Monitor   *plan.Monitor
	Plans     *repository.PlanRepository
	Events    *repository.EventRepository
	Artifacts *repository.ArtifactRepository
	Snapshot  func(id string) string // Optional local snapshot location
	Token     string                 // Bearer token, empty for an open API
	Logger    *zap.Logger
}

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, d Deps) {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	planHandler := handlers.NewPlanHandler(d.Engine, d.Monitor, d.Events, d.Snapshot, log)
	taskHandler := handlers.NewTaskHandler(d.Monitor, d.Artifacts)
	dashboardHandler := handlers.NewDashboardHandler(monitoring.NewMetricsExporter(d.Plans), d.Engine)

	r.Use(handlers.AccessLog(log))

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET")
	r.HandleFunc("/metrics", dashboardHandler.GetMetrics).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(handlers.RequireToken(d.Token))

	// Plan endpoints
	api.HandleFunc("/plans", planHandler.CreatePlan).Methods("POST")
	api.HandleFunc("/plans", planHandler.ListPlans).Methods("GET")
	api.HandleFunc("/plans/{id}", planHandler.GetPlan).Methods("GET")
	api.HandleFunc("/plans/{id}", planHandler.DeletePlan).Methods("DELETE")
	api.HandleFunc("/plans/{id}/launch", planHandler.LaunchPlan).Methods("POST")
	api.HandleFunc("/plans/{id}/stop", planHandler.StopPlan).Methods("POST")
	api.HandleFunc("/plans/{id}/wait", planHandler.WaitPlan).Methods("POST")
	api.HandleFunc("/plans/{id}/events", planHandler.GetPlanEvents).Methods("GET")

	// Task endpoints
	api.HandleFunc("/plans/{id}/tasks/{index:[0-9]+}/files", taskHandler.ListFiles).Methods("GET")
	api.HandleFunc("/plans/{id}/tasks/{index:[0-9]+}/files/{path:.+}", taskHandler.GetFile).Methods("GET")
	api.HandleFunc("/plans/{id}/tasks/{index:[0-9]+}/files/{path:.+}", taskHandler.PutFile).Methods("PUT")
	api.HandleFunc("/plans/{id}/tasks/{index:[0-9]+}/artifacts", taskHandler.GetArtifacts).Methods("GET")
	api.HandleFunc("/plans/{id}/tasks/{index:[0-9]+}/exec", taskHandler.Exec).Methods("POST")

	// Dashboard
	api.HandleFunc("/dashboard", dashboardHandler.GetSummary).Methods("GET")
}
