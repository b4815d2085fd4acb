package plan

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"hpc-orchestrator/core/errs"
	"hpc-orchestrator/core/models"
)

// Monitor keeps live plans fresh in a long-running process. It owns one
// *Plan per identity so every caller in the process shares the same handle.
type Monitor struct {
	engine   *Engine
	interval time.Duration
	log      *zap.Logger

	mu    sync.Mutex
	plans map[string]*Plan
}

// NewMonitor creates a monitor refreshing plans every interval
func NewMonitor(engine *Engine, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		engine:   engine,
		interval: interval,
		log:      engine.log.Named("monitor"),
		plans:    make(map[string]*Plan),
	}
}

// Start runs the refresh loop until ctx is done
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RefreshLive(ctx)
		}
	}
}

// Open returns the shared handle of a plan, loading it on first use. A
// cached handle is synced with the remote store first, so changes made by
// other processes are seen. Terminal plans are returned but not kept.
func (m *Monitor) Open(ctx context.Context, id string) (*Plan, error) {
	m.mu.Lock()
	p, ok := m.plans[id]
	m.mu.Unlock()
	if ok {
		if err := p.Sync(ctx); err != nil {
			if errs.IsNotFound(err) {
				m.Forget(id)
			}
			return nil, err
		}
		if p.State().IsTerminal() {
			m.Forget(id)
		}
		return p, nil
	}

	loaded, err := m.engine.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if loaded.State().IsTerminal() {
		return loaded, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.plans[id]; ok {
		return p, nil
	}
	m.plans[id] = loaded
	return loaded, nil
}

// Len returns how many handles are cached
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.plans)
}

// Track registers a plan created in this process. Plans without an
// identity are ignored.
func (m *Monitor) Track(p *Plan) {
	id := p.ID()
	if id == "" {
		return
	}
	m.mu.Lock()
	m.plans[id] = p
	m.mu.Unlock()
}

// Forget drops the handle of a plan
func (m *Monitor) Forget(id string) {
	m.mu.Lock()
	delete(m.plans, id)
	m.mu.Unlock()
}

// RefreshLive polls every launched or running plan in the remote store and
// returns how many were refreshed
func (m *Monitor) RefreshLive(ctx context.Context) int {
	var ids []string
	for _, state := range []models.PlanState{models.PlanStateLaunched, models.PlanStateRunning} {
		summaries, err := m.engine.Query(ctx, models.PlanFilter{State: &state})
		if err != nil {
			m.log.Warn("failed to query live plans", zap.String("state", string(state)), zap.Error(err))
			return 0
		}
		for _, s := range summaries {
			ids = append(ids, s.ID)
		}
	}

	refreshed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		p, err := m.Open(ctx, id)
		if err != nil {
			m.log.Warn("failed to load plan", zap.String("plan_id", id), zap.Error(err))
			continue
		}
		report, err := p.Status(ctx)
		if err != nil {
			m.log.Warn("failed to refresh plan", zap.String("plan_id", id), zap.Error(err))
			continue
		}
		refreshed++
		if report.Terminal() {
			m.log.Info("plan finished", zap.String("plan_id", id), zap.String("state", string(report.State)))
			m.Forget(id)
		}
	}
	return refreshed
}
