package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"hpc-orchestrator/core/executor"
	"hpc-orchestrator/core/models"
	"hpc-orchestrator/core/plan"
	"hpc-orchestrator/storage"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printPlan(w io.Writer, asJSON bool, v models.PlanView) error {
	if asJSON {
		return writeJSON(w, v)
	}
	id := v.ID
	if id == "" {
		id = "(unsaved)"
	}
	fmt.Fprintf(w, "Plan:        %s\n", id)
	fmt.Fprintf(w, "Name:        %s\n", v.Name)
	fmt.Fprintf(w, "State:       %s\n", v.State)
	fmt.Fprintf(w, "Application: %s (%s)\n", v.Experiment.Application, v.Experiment.Parallelism)
	fmt.Fprintf(w, "Clusters:    %s\n", strings.Join(v.Experiment.Clusters, ", "))
	fmt.Fprintf(w, "Persisted:   %s\n", strings.Join(v.Persisted, ", "))
	fmt.Fprintf(w, "Counts:      %s\n\n", formatCounts(v.Counts))

	tw := newTable(w)
	fmt.Fprintln(tw, "INDEX\tNAME\tCLUSTER\tJOB\tSTATE\tERROR")
	for _, t := range v.Tasks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", t.Index, t.Name, t.Cluster, dash(t.JobID), t.State, t.Error)
	}
	return tw.Flush()
}

func printPlanList(w io.Writer, asJSON bool, items []models.PlanSummary) error {
	if asJSON {
		if items == nil {
			items = []models.PlanSummary{}
		}
		return writeJSON(w, items)
	}
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "No plans.")
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tAPP\tTASKS\tUPDATED")
	for _, p := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", p.ID, p.Name, p.State, p.Application, p.TaskCount, p.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func printStatus(w io.Writer, asJSON bool, r *plan.StatusReport) error {
	if asJSON {
		return writeJSON(w, r)
	}
	fmt.Fprintf(w, "Plan %s is %s (%s)\n\n", r.PlanID, r.State, formatCounts(r.Counts))
	tw := newTable(w)
	fmt.Fprintln(tw, "INDEX\tNAME\tJOB\tSTATE\tRAW\tERROR")
	for _, t := range r.Tasks {
		msg := t.Error
		if t.PollError != "" {
			msg = "poll: " + t.PollError
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", t.Index, t.Name, dash(t.JobID), t.State, dash(t.Raw), msg)
	}
	return tw.Flush()
}

func printEntries(w io.Writer, asJSON bool, workDir string, entries []storage.Entry) error {
	if asJSON {
		if entries == nil {
			entries = []storage.Entry{}
		}
		return writeJSON(w, map[string]interface{}{"workdir": workDir, "items": entries})
	}
	fmt.Fprintf(w, "%s\n", workDir)
	tw := newTable(w)
	for _, e := range entries {
		name := e.Name
		if e.Kind == storage.EntryDir {
			name += "/"
		}
		fmt.Fprintf(tw, "%d\t%s\n", e.Size, name)
	}
	return tw.Flush()
}

func printResult(stdout, stderr io.Writer, asJSON bool, res *executor.Result) error {
	if asJSON {
		return writeJSON(stdout, res)
	}
	if _, err := io.WriteString(stdout, res.Stdout); err != nil {
		return err
	}
	_, err := io.WriteString(stderr, res.Stderr)
	return err
}

func formatCounts(counts map[models.TaskState]int) string {
	if len(counts) == 0 {
		return "no tasks"
	}
	keys := make([]string, 0, len(counts))
	for s := range counts {
		keys = append(keys, string(s))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[models.TaskState(k)]))
	}
	return strings.Join(parts, " ")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
