package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"shipment-batch-engine/internal/app"
	"shipment-batch-engine/internal/audit"
	"shipment-batch-engine/internal/config"
)

// NewAuditCommand creates the audit command group.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect, export and prune audit trails",
	}
	cmd.AddCommand(newAuditShowCommand(rootOpts))
	cmd.AddCommand(newAuditExportCommand(rootOpts))
	cmd.AddCommand(newAuditPruneCommand(rootOpts))
	return cmd
}

func newAuditShowCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		after int64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Print a job's audit entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, _ config.Config) error {
				entries, err := a.Engine.ListAudit(ctx, args[0], after, limit)
				if err != nil {
					return err
				}
				return newPrinter(cmd, rootOpts).emit(entries, func(w io.Writer) {
					for _, e := range entries {
						row := "-"
						if e.RowNumber != nil {
							row = fmt.Sprint(*e.RowNumber)
						}
						fmt.Fprintf(w, "%d %s row=%s %s %s %s\n", e.ID, e.Recorded.Format(time.RFC3339), row, e.Action, e.Outcome, e.Payload)
					}
				})
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only entries with an id above this one")
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum entries to print")
	return cmd
}

func newAuditExportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export <job-id>",
		Short: "Export a job's audit trail as JSON Lines to AUDIT_EXPORT_DIR or AUDIT_S3_BUCKET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, cfg config.Config) error {
				if _, err := a.Engine.GetJob(ctx, args[0]); err != nil {
					return err
				}
				exp, err := audit.NewExporter(ctx, cfg, a.Store)
				if err != nil {
					return err
				}
				loc, err := exp.Export(ctx, args[0])
				if err != nil {
					return err
				}
				return newPrinter(cmd, rootOpts).emit(map[string]string{"location": loc}, func(w io.Writer) {
					fmt.Fprintln(w, loc)
				})
			})
		},
	}
}

func newAuditPruneCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete audit entries older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, cfg config.Config) error {
				exp, err := audit.NewExporter(ctx, cfg, a.Store)
				if err != nil {
					return err
				}
				n, err := exp.Prune(ctx, olderThan)
				if err != nil {
					return err
				}
				return newPrinter(cmd, rootOpts).emit(map[string]int64{"deleted": n}, func(w io.Writer) {
					fmt.Fprintf(w, "%d audit entries deleted\n", n)
				})
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff (default AUDIT_RETENTION)")
	return cmd
}
