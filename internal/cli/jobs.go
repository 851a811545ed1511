package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"shipment-batch-engine/internal/app"
	"shipment-batch-engine/internal/config"
	"shipment-batch-engine/internal/models"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, _ config.Config) error {
				p, err := a.Engine.GetProgress(ctx, args[0])
				if err != nil {
					return err
				}
				return newPrinter(cmd, rootOpts).emit(p, func(w io.Writer) { writeProgress(w, p) })
			})
		},
	}
}

// NewRowsCommand creates the rows command.
func NewRowsCommand(rootOpts *RootOptions) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "rows <job-id>",
		Short: "List a job's rows, optionally filtered by status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]models.RowStatus, 0, len(statuses))
			for _, v := range statuses {
				var st models.RowStatus
				if err := st.UnmarshalText([]byte(v)); err != nil {
					return err
				}
				filter = append(filter, st)
			}
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, _ config.Config) error {
				rows, err := a.Engine.ListRows(ctx, args[0], filter...)
				if err != nil {
					return err
				}
				return newPrinter(cmd, rootOpts).emit(rows, func(w io.Writer) { writeRows(w, rows) })
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "row statuses to include (pending, processing, completed, failed, skipped)")
	return cmd
}

// NewConfirmCommand creates the confirm command.
func NewConfirmCommand(rootOpts *RootOptions) *cobra.Command {
	var followEvents bool

	cmd := &cobra.Command{
		Use:   "confirm <job-id>",
		Short: "Execute a previewed job and wait for it to finish",
		Long: `Execute every row of the job against the carrier. Labels are purchased and charged.

batchctl stays attached until the job finishes; if it is interrupted the job keeps its
executing status and "batchctl recover" resumes it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, _ config.Config) error {
				job, err := confirmAndWait(ctx, a, args[0], followEvents, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				return newPrinter(cmd, rootOpts).emit(job, func(w io.Writer) { writeJob(w, job) })
			})
		},
	}
	cmd.Flags().BoolVarP(&followEvents, "follow", "f", false, "print row events to stderr as they happen")
	return cmd
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-run the failed rows of a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, _ config.Config) error {
				job, reset, err := a.Engine.RetryFailedRows(ctx, args[0])
				if err != nil {
					return err
				}
				if reset > 0 {
					if job, err = a.Engine.Wait(ctx, job.ID); err != nil {
						return err
					}
				}
				out := struct {
					Job       models.Job `json:"job"`
					ResetRows int        `json:"reset_rows"`
				}{job, reset}
				return newPrinter(cmd, rootOpts).emit(out, func(w io.Writer) {
					fmt.Fprintf(w, "%d row(s) retried\n", reset)
					writeJob(w, job)
				})
			})
		},
	}
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Long: `Cancel a job that has not finished. A job that is not running is cancelled at once.
A running job stops dispatching rows; rows already sent to the carrier complete and the
owning process finishes the job.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, _ config.Config) error {
				job, err := a.Engine.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				return newPrinter(cmd, rootOpts).emit(job, func(w io.Writer) { writeJob(w, job) })
			})
		},
	}
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Resume jobs left running by a crashed or stopped process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, _ config.Config) error {
				ids, err := a.Engine.Recover(ctx)
				if err != nil {
					return err
				}
				jobs := make([]models.Job, 0, len(ids))
				for _, id := range ids {
					job, err := a.Engine.Wait(ctx, id)
					if err != nil {
						return fmt.Errorf("job %s: %w", id, err)
					}
					jobs = append(jobs, job)
				}
				return newPrinter(cmd, rootOpts).emit(jobs, func(w io.Writer) {
					if len(jobs) == 0 {
						fmt.Fprintln(w, "nothing to recover")
						return
					}
					for _, job := range jobs {
						writeJob(w, job)
					}
				})
			})
		},
	}
}
