package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"hpc-orchestrator/core/errs"
	"hpc-orchestrator/core/models"
	"hpc-orchestrator/core/plan"
	"hpc-orchestrator/core/spec"
)

func newPlanCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Create and control plans",
	}
	cmd.AddCommand(
		newPlanCreateCommand(e),
		newPlanListCommand(e),
		newPlanShowCommand(e),
		newPlanLaunchCommand(e),
		newPlanStopCommand(e),
		newPlanWaitCommand(e),
		newPlanDeleteCommand(e),
	)
	return cmd
}

func newPlanCreateCommand(e *env) *cobra.Command {
	var name string
	var launch bool
	cmd := &cobra.Command{
		Use:   "create <spec.yaml>",
		Short: "Materialize and save a plan from an experiment spec",
		Long: `Create a plan with one task per replica of the experiment and save it.

Relative input paths in the spec are resolved against the spec's directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read spec: %w", err)
			}
			exp, err := spec.ParseExperimentSpec(string(data), filepath.Dir(args[0]))
			if err != nil {
				return err
			}
			if name != "" {
				exp.Name = name
			}

			p, err := e.app.Engine.Plan(exp)
			if err != nil {
				return err
			}
			if err := p.Save(ctx); err != nil {
				return err
			}
			if err := p.SaveJSON(e.app.SnapshotPath(p.ID())); err != nil {
				return err
			}
			if launch {
				if err := p.Launch(ctx); err != nil {
					return err
				}
			}
			return printPlan(cmd.OutOrStdout(), e.jsonOutput, models.SummarizePlan(p.Snapshot()))
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "override the experiment name")
	cmd.Flags().BoolVar(&launch, "launch", false, "launch the plan after saving it")
	return cmd
}

func newPlanListCommand(e *env) *cobra.Command {
	var state, name string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved plans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := models.PlanFilter{Name: name, Limit: limit}
			if state != "" {
				s := models.PlanState(state)
				filter.State = &s
			}
			items, err := e.app.Engine.Query(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printPlanList(cmd.OutOrStdout(), e.jsonOutput, items)
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only plans in this state")
	cmd.Flags().StringVar(&name, "name", "", "only plans with this name")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of plans")
	return cmd
}

func newPlanShowCommand(e *env) *cobra.Command {
	var noPoll bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Poll and show a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := e.openPlan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !noPoll {
				if _, err := p.Status(cmd.Context()); err != nil {
					return err
				}
			}
			return printPlan(cmd.OutOrStdout(), e.jsonOutput, models.SummarizePlan(p.Snapshot()))
		},
	}
	cmd.Flags().BoolVar(&noPoll, "no-poll", false, "show the stored state without polling")
	return cmd
}

func newPlanLaunchCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "launch <id>",
		Short: "Stage inputs and submit every task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := e.openPlan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := p.Launch(cmd.Context()); err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), e.jsonOutput, models.SummarizePlan(p.Snapshot()))
		},
	}
}

func newPlanStopCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Cancel every unfinished task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := e.openPlan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := p.Stop(cmd.Context()); err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), e.jsonOutput, models.SummarizePlan(p.Snapshot()))
		},
	}
}

func newPlanWaitCommand(e *env) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait <id>",
		Short: "Wait until a plan finishes",
		Long: `Poll a plan with backoff until it completes, fails or is stopped.

A zero timeout checks once; a negative timeout waits until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := e.openPlan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			report, err := p.Wait(cmd.Context(), timeout)
			if report != nil {
				if perr := printStatus(cmd.OutOrStdout(), e.jsonOutput, report); perr != nil {
					return perr
				}
			}
			if plan.IsCancelled(err) {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Stopped waiting; plan %s is still %s\n", p.ID(), p.State())
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", -1, "give up after this long")
	return cmd
}

func newPlanDeleteCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a plan and its local snapshot",
		Long: `Delete a plan from the database and remove its local snapshot.

Remote jobs and working directories are left untouched; stop the plan first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := e.app.Engine.Delete(cmd.Context(), id); err != nil {
				return err
			}
			if err := os.Remove(e.app.SnapshotPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return errs.New(errs.KindPersistence, "planctl.delete", err).WithPlan(id)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted plan %s\n", id)
			return nil
		},
	}
}
