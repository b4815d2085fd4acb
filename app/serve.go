package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"hpc-orchestrator/api/rest/routes"
	"hpc-orchestrator/core/plan"
)

// Handler builds the REST API around a monitor owning the plan handles
func (a *App) Handler(monitor *plan.Monitor) http.Handler {
	r := mux.NewRouter()
	routes.SetupRoutes(r, routes.Deps{
		Engine:    a.Engine,
		Monitor:   monitor,
		Plans:     a.Plans,
		Events:    a.Events,
		Artifacts: a.Artifacts,
		Snapshot:  a.SnapshotPath,
		Token:     a.Config.Session.Token,
		Logger:    a.Log,
	})
	return r
}

// Serve runs the REST API and the plan monitor until ctx is done, then
// shuts the server down gracefully
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config.Server
	monitor := plan.NewMonitor(a.Engine, a.Config.Poll.Interval)

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr(), err)
	}
	server := &http.Server{
		Handler:      a.Handler(monitor),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go monitor.Start(monitorCtx)

	errCh := make(chan error, 1)
	go func() {
		a.Log.Info("starting server", zap.String("addr", ln.Addr().String()))
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	a.Log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.Log.Info("server exited")
	return nil
}
