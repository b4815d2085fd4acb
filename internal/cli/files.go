package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"hpc-orchestrator/core/errs"
	"hpc-orchestrator/storage"
)

func newFilesCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Read and write files in a task working directory",
		Long: `Every path is relative to the task's working directory; paths that
escape it are rejected.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "ls <plan-id> <task-index>",
			Short: "List the working directory",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				files, err := e.taskFiles(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				entries, err := files.List(cmd.Context())
				if err != nil {
					return err
				}
				return printEntries(cmd.OutOrStdout(), e.jsonOutput, files.WorkDir(), entries)
			},
		},
		&cobra.Command{
			Use:   "cat <plan-id> <task-index> <path>",
			Short: "Print a file",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				files, err := e.taskFiles(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				data, err := files.ReadBytes(cmd.Context(), args[2])
				if err != nil {
					return err
				}
				if !storage.IsText(data) {
					return errs.Newf(errs.KindDecode, "planctl.files.cat", "%s is binary; use files download", args[2]).WithPath(args[2])
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			},
		},
		&cobra.Command{
			Use:   "upload <plan-id> <task-index> <local> [remote]",
			Short: "Copy a local file into the working directory",
			Args:  cobra.RangeArgs(3, 4),
			RunE: func(cmd *cobra.Command, args []string) error {
				files, err := e.taskFiles(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				remote := filepath.Base(args[2])
				if len(args) == 4 {
					remote = args[3]
				}
				if err := files.Upload(cmd.Context(), args[2], remote); err != nil {
					return err
				}
				return done(cmd.OutOrStdout(), "Uploaded %s to %s\n", args[2], remote)
			},
		},
		&cobra.Command{
			Use:   "download <plan-id> <task-index> <remote> [local]",
			Short: "Copy a file out of the working directory",
			Args:  cobra.RangeArgs(3, 4),
			RunE: func(cmd *cobra.Command, args []string) error {
				files, err := e.taskFiles(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				local := filepath.Base(args[2])
				if len(args) == 4 {
					local = args[3]
				}
				if err := files.Download(cmd.Context(), args[2], local); err != nil {
					return err
				}
				return done(cmd.OutOrStdout(), "Downloaded %s to %s\n", args[2], local)
			},
		},
	)
	return cmd
}

func (e *env) taskFiles(ctx context.Context, id, index string) (*storage.TaskFiles, error) {
	i, err := parseIndex(index)
	if err != nil {
		return nil, err
	}
	p, err := e.openPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.Files(i)
}

func parseIndex(s string) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 {
		return 0, errs.Newf(errs.KindValidation, "planctl", "invalid task index %q", s)
	}
	return i, nil
}

func done(w io.Writer, format string, args ...interface{}) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}
