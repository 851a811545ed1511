package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"shipment-batch-engine/internal/app"
	"shipment-batch-engine/internal/config"
	"shipment-batch-engine/internal/events"
	"shipment-batch-engine/internal/mapping"
	"shipment-batch-engine/internal/models"
)

type runOptions struct {
	mappingPath string
	execute     bool
	follow      bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <source-ref>",
		Short: "Create a job from a source and preview it",
		Long: `Read every row of the source, create a job with the given mapping and quote each row.

The source reference is kind:location[#key-column], for example
  csv:./orders.csv#order_id
  postgres:ops.shipments#id

With --execute the job is confirmed right after the preview and batchctl waits for
execution to finish. Without it, confirm later with "batchctl confirm <job-id>".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, _ config.Config) error {
				return runRun(ctx, cmd, rootOpts, opts, a, args[0])
			})
		},
	}

	cmd.Flags().StringVarP(&opts.mappingPath, "mapping", "m", "", "mapping file (YAML or JSON)")
	cmd.Flags().BoolVar(&opts.execute, "execute", false, "confirm and execute after the preview")
	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "print row events to stderr as they happen")
	_ = cmd.MarkFlagRequired("mapping")

	return cmd
}

func runRun(ctx context.Context, cmd *cobra.Command, rootOpts *RootOptions, opts *runOptions, a *app.App, ref string) error {
	m, err := mapping.Load(opts.mappingPath)
	if err != nil {
		return err
	}
	src, err := a.Sources.Open(ctx, ref, m.WriteBackColumns())
	if err != nil {
		return err
	}
	rows, err := src.ReadRows(ctx)
	if err != nil {
		return fmt.Errorf("read %s: %w", ref, err)
	}

	job, err := a.Engine.CreateJob(ctx, rows, m, ref)
	if err != nil {
		return err
	}

	stop := follow(ctx, a, job.ID, opts.follow, cmd.ErrOrStderr())
	job, err = a.Engine.Preview(ctx, job.ID)
	stop()
	if err != nil {
		return err
	}

	if opts.execute && job.Status == models.JobPreviewReady {
		job, err = confirmAndWait(ctx, a, job.ID, opts.follow, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
	}

	return newPrinter(cmd, rootOpts).emit(job, func(w io.Writer) {
		writeJob(w, job)
		if job.Status == models.JobPreviewReady {
			fmt.Fprintf(w, "\nconfirm with: batchctl confirm %s\n", job.ID)
		}
	})
}

func confirmAndWait(ctx context.Context, a *app.App, jobID string, verbose bool, w io.Writer) (models.Job, error) {
	if !verbose {
		if _, err := a.Engine.Confirm(ctx, jobID); err != nil {
			return models.Job{}, err
		}
		return a.Engine.Wait(ctx, jobID)
	}
	_, sub, err := a.Engine.ConfirmAndSubscribe(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	stop := printEvents(sub, w)
	defer stop()
	return a.Engine.Wait(ctx, jobID)
}

// follow prints the job's events to w.
func follow(ctx context.Context, a *app.App, jobID string, enabled bool, w io.Writer) (stop func()) {
	if !enabled {
		return func() {}
	}
	sub, err := a.Engine.Subscribe(ctx, jobID)
	if err != nil {
		fmt.Fprintf(w, "follow %s: %v\n", jobID, err)
		return func() {}
	}
	return printEvents(sub, w)
}

// printEvents drains sub to w. The stream ends on its own after the run's final event; stop
// waits briefly for that and then drops whatever is left.
func printEvents(sub *events.Subscription, w io.Writer) (stop func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.C() {
			writeEvent(w, ev)
		}
	}()
	return func() {
		select {
		case <-done:
		case <-time.After(time.Second):
			sub.Close()
			<-done
		}
	}
}
