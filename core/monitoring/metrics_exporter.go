package monitoring

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"hpc-orchestrator/core/models"
)

// PlanSource is the read side of the remote plan store
type PlanSource interface {
	Query(ctx context.Context, filter models.PlanFilter) ([]models.PlanSummary, error)
	Load(ctx context.Context, id string) (*models.Plan, error)
}

// MetricsExporter exports plan and task state counts for Prometheus/Grafana
type MetricsExporter struct {
	plans PlanSource
}

// NewMetricsExporter creates a new metrics exporter
func NewMetricsExporter(plans PlanSource) *MetricsExporter {
	return &MetricsExporter{plans: plans}
}

// Counts aggregates plan and task states
type Counts struct {
	Plans map[models.PlanState]int `json:"plans"`
	Tasks map[models.TaskState]int `json:"tasks"` // Tasks of non-terminal plans only
	Total int                      `json:"total"`
}

// Collect gathers state counts from the store
func (me *MetricsExporter) Collect(ctx context.Context) (*Counts, error) {
	summaries, err := me.plans.Query(ctx, models.PlanFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}

	counts := &Counts{
		Plans: make(map[models.PlanState]int),
		Tasks: make(map[models.TaskState]int),
		Total: len(summaries),
	}
	for _, s := range summaries {
		counts.Plans[s.State]++
		if !s.State.IsLaunched() || s.State.IsTerminal() {
			continue
		}
		plan, err := me.plans.Load(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load plan %s: %w", s.ID, err)
		}
		for _, t := range plan.Tasks {
			counts.Tasks[t.State]++
		}
	}
	return counts, nil
}

// GetPrometheusMetrics returns metrics in Prometheus text format
func (me *MetricsExporter) GetPrometheusMetrics(ctx context.Context) (string, error) {
	counts, err := me.Collect(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder

	b.WriteString("# HELP hpc_plans_total Total number of stored plans\n")
	b.WriteString("# TYPE hpc_plans_total gauge\n")
	fmt.Fprintf(&b, "hpc_plans_total %d\n", counts.Total)

	b.WriteString("# HELP hpc_plans Plans per lifecycle state\n")
	b.WriteString("# TYPE hpc_plans gauge\n")
	for _, state := range sortedKeys(counts.Plans) {
		fmt.Fprintf(&b, "hpc_plans{state=%q} %d\n", state, counts.Plans[models.PlanState(state)])
	}

	b.WriteString("# HELP hpc_live_tasks Tasks of active plans per state\n")
	b.WriteString("# TYPE hpc_live_tasks gauge\n")
	for _, state := range sortedKeys(counts.Tasks) {
		fmt.Fprintf(&b, "hpc_live_tasks{state=%q} %d\n", state, counts.Tasks[models.TaskState(state)])
	}

	return b.String(), nil
}

func sortedKeys[K ~string, V any](m map[K]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}
