// Package cli implements the planctl command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"hpc-orchestrator/app"
	"hpc-orchestrator/config"
	"hpc-orchestrator/core/plan"
	"hpc-orchestrator/observability"
)

// env is the state shared by every command of one invocation
type env struct {
	configPath string
	jsonOutput bool
	logLevel   string

	app *app.App
}

// newRoot builds the planctl command tree. The caller closes the env.
func newRoot() (*cobra.Command, *env) {
	e := &env{}
	root := &cobra.Command{
		Use:   "planctl",
		Short: "Plan, launch and monitor replicated HPC experiments",
		Long: `planctl turns experiment specifications into plans of remote jobs.

Plans are kept in the configured database and mirrored as local JSON
snapshots under state_dir. Every flag can also be set through a config
file or HPC_ environment variables.

Examples:
  planctl plan create ubiquitin.yaml
  planctl plan launch <id>
  planctl plan wait <id> --timeout 2h
  planctl files cat <id> 0 stdout.log`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return e.open(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&e.configPath, "config", "", "config file (default ./hpc-orchestrator.yaml)")
	root.PersistentFlags().BoolVar(&e.jsonOutput, "json", false, "output as JSON")
	root.PersistentFlags().StringVar(&e.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(newServeCommand(e), newPlanCommand(e), newFilesCommand(e), newExecCommand(e))
	return root, e
}

// Execute runs planctl and returns the process exit code
func Execute(ctx context.Context, args []string) int {
	root, e := newRoot()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if cerr := e.close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func (e *env) open(ctx context.Context) error {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return err
	}
	if e.logLevel != "" {
		cfg.Logging.Level = e.logLevel
	}
	log, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	e.app = a
	return nil
}

func (e *env) close() error {
	if e.app == nil {
		return nil
	}
	_ = e.app.Log.Sync()
	err := e.app.Close()
	e.app = nil
	return err
}

// openPlan loads a plan and merges its local snapshot
func (e *env) openPlan(ctx context.Context, id string) (*plan.Plan, error) {
	return e.app.Engine.LoadReconciled(ctx, id, e.app.SnapshotPath(id))
}

func newServeCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API and the plan monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.app.Serve(cmd.Context())
		},
	}
}
