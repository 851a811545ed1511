package events

import (
	"time"

	"shipment-batch-engine/internal/models"
)

// Type names a progress event.
type Type string

const (
	JobStarted   Type = "job_started"
	RowUpdated   Type = "row_updated"
	JobCompleted Type = "job_completed"
	JobHalted    Type = "job_halted"
)

// Terminal reports whether no further events follow for the job.
func (t Type) Terminal() bool {
	return t == JobCompleted || t == JobHalted
}

// Event is one progress notification. Only the fields relevant to Type are set.
type Event struct {
	Seq        uint64           `json:"seq"`
	Type       Type             `json:"type"`
	JobID      string           `json:"job_id"`
	Mode       models.Mode      `json:"mode,omitempty"`
	TotalRows  int              `json:"total_rows,omitempty"`
	RowNumber  int              `json:"row_number,omitempty"`
	RowStatus  models.RowStatus `json:"status,omitempty"`
	CostCents  *int64           `json:"cost_cents,omitempty"`
	TrackingID *string          `json:"tracking_id,omitempty"`
	ErrorCode  *string          `json:"error_code,omitempty"`
	Summary    *models.Progress `json:"summary,omitempty"`
	At         time.Time        `json:"at"`
}

func Started(job models.Job) Event {
	return Event{Type: JobStarted, JobID: job.ID, Mode: job.Mode, TotalRows: job.TotalRows}
}

func Row(jobID string, rowNumber int, status models.RowStatus, costCents *int64, trackingID, errorCode *string) Event {
	return Event{
		Type:       RowUpdated,
		JobID:      jobID,
		RowNumber:  rowNumber,
		RowStatus:  status,
		CostCents:  costCents,
		TrackingID: trackingID,
		ErrorCode:  errorCode,
	}
}

func Completed(job models.Job) Event {
	p := models.ProgressOf(job)
	return Event{Type: JobCompleted, JobID: job.ID, Mode: job.Mode, Summary: &p}
}

func Halted(job models.Job) Event {
	p := models.ProgressOf(job)
	return Event{Type: JobHalted, JobID: job.ID, Mode: job.Mode, ErrorCode: job.ErrorCode, Summary: &p}
}
