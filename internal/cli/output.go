package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"shipment-batch-engine/internal/events"
	"shipment-batch-engine/internal/mapping"
	"shipment-batch-engine/internal/models"
)

// printer writes command results as indented JSON or as text for a terminal.
type printer struct {
	format string
	w      io.Writer
}

func newPrinter(cmd *cobra.Command, opts *RootOptions) *printer {
	return &printer{format: opts.Format, w: cmd.OutOrStdout()}
}

func (p *printer) emit(v any, text func(w io.Writer)) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(p.w)
	return nil
}

func writeJob(w io.Writer, job models.Job) {
	fmt.Fprintf(w, "job %s\n", job.ID)
	fmt.Fprintf(w, "  status:  %s (%s)\n", job.Status, job.Mode)
	fmt.Fprintf(w, "  rows:    %d total, %d ok, %d failed, %d skipped\n",
		job.TotalRows, job.SuccessfulRows, job.FailedRows, job.SkippedRows)
	fmt.Fprintf(w, "  cost:    %s\n", mapping.FormatCents(job.TotalCostCents))
	if job.Mode == models.ModeExecute && job.PreviewCostCents > 0 {
		fmt.Fprintf(w, "  preview: %s\n", mapping.FormatCents(job.PreviewCostCents))
	}
	if job.ErrorCode != nil {
		msg := ""
		if job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		fmt.Fprintf(w, "  error:   %s %s\n", *job.ErrorCode, msg)
	}
}

func writeProgress(w io.Writer, p models.Progress) {
	fmt.Fprintf(w, "%s %s: %d/%d processed (%d ok, %d failed, %d skipped), cost %s\n",
		p.JobID, p.Status, p.Processed, p.Total, p.Successful, p.Failed, p.Skipped,
		mapping.FormatCents(p.CostCentsSoFar))
}

func writeRows(w io.Writer, rows []models.JobRow) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROW\tKEY\tSTATUS\tCOST\tTRACKING\tERROR\tWRITE-BACK")
	for _, r := range rows {
		cost := "-"
		if r.CostCents != nil {
			cost = mapping.FormatCents(*r.CostCents)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RowNumber, r.SourceKey, r.Status, cost, deref(r.TrackingID), deref(r.ErrorCode), r.WriteBackStatus)
	}
	tw.Flush()
}

func writeEvent(w io.Writer, ev events.Event) {
	switch ev.Type {
	case events.RowUpdated:
		line := fmt.Sprintf("row %d %s", ev.RowNumber, ev.RowStatus)
		if ev.ErrorCode != nil {
			line += " " + *ev.ErrorCode
		}
		fmt.Fprintln(w, line)
	case events.JobStarted:
		fmt.Fprintf(w, "%s started (%d rows)\n", ev.Mode, ev.TotalRows)
	default:
		if ev.Summary != nil {
			fmt.Fprintf(w, "%s: ", ev.Type)
			writeProgress(w, *ev.Summary)
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
