package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"hpc-orchestrator/core/errs"
	"hpc-orchestrator/core/executor"
)

func newExecCommand(e *env) *cobra.Command {
	var lang string
	var deps []string
	var vars []string
	cmd := &cobra.Command{
		Use:   "exec <plan-id> <task-index> <file|->",
		Short: "Run a code snippet in a task working directory",
		Long: `Run a self-contained Python or shell snippet where the task runs.

Inputs are passed with --arg NAME=VALUE and appear to the snippet as
environment variables. Use - to read the snippet from stdin.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			i, err := parseIndex(args[1])
			if err != nil {
				return err
			}
			source, err := readSource(cmd.InOrStdin(), args[2])
			if err != nil {
				return err
			}
			req := executor.NewRequest(executor.Language(lang), source, deps...)
			for _, kv := range vars {
				name, value, ok := strings.Cut(kv, "=")
				if !ok {
					return errs.Newf(errs.KindValidation, "planctl.exec", "argument %q is not NAME=VALUE", kv)
				}
				req = req.WithArg(name, value)
			}

			p, err := e.openPlan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			res, runErr := p.Execute(cmd.Context(), i, req)
			if res == nil {
				return runErr
			}
			if err := printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), e.jsonOutput, res); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&lang, "lang", string(executor.LanguagePython), "snippet language (python, shell)")
	cmd.Flags().StringSliceVar(&deps, "dep", nil, "package the snippet imports")
	cmd.Flags().StringArrayVar(&vars, "arg", nil, "literal input as NAME=VALUE")
	return cmd
}

func readSource(stdin io.Reader, name string) (string, error) {
	if name == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(b), nil
}
