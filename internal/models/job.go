package models

import (
	"encoding/json"
	"time"
)

// Job represents one batch submission persisted by the store.
type Job struct {
	ID               string          `json:"id"`
	Mode             Mode            `json:"mode"`
	Status           JobStatus       `json:"status"`
	SourceRef        string          `json:"source_ref"`
	Mapping          json.RawMessage `json:"mapping"`
	TotalRows        int             `json:"total_rows"`
	SuccessfulRows   int             `json:"successful_rows"`
	FailedRows       int             `json:"failed_rows"`
	SkippedRows      int             `json:"skipped_rows"`
	TotalCostCents   int64           `json:"total_cost_cents"`
	PreviewCostCents int64           `json:"preview_cost_cents"`
	CancelRequested  bool            `json:"cancel_requested"`
	ErrorCode        *string         `json:"error_code,omitempty"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// PendingRows is derived; it is never stored.
func (j Job) PendingRows() int {
	return j.TotalRows - j.SuccessfulRows - j.FailedRows - j.SkippedRows
}

// Progress is the caller-facing snapshot returned by getProgress.
type Progress struct {
	JobID          string    `json:"job_id"`
	Status         JobStatus `json:"status"`
	Mode           Mode      `json:"mode"`
	Processed      int       `json:"processed"`
	Total          int       `json:"total"`
	Successful     int       `json:"successful"`
	Failed         int       `json:"failed"`
	Skipped        int       `json:"skipped"`
	CostCentsSoFar int64     `json:"cost_cents_so_far"`
}

// ProgressOf derives a Progress snapshot from a persisted job.
func ProgressOf(j Job) Progress {
	return Progress{
		JobID:          j.ID,
		Status:         j.Status,
		Mode:           j.Mode,
		Processed:      j.SuccessfulRows + j.FailedRows + j.SkippedRows,
		Total:          j.TotalRows,
		Successful:     j.SuccessfulRows,
		Failed:         j.FailedRows,
		Skipped:        j.SkippedRows,
		CostCentsSoFar: j.TotalCostCents,
	}
}

// JobRow is the unit of work for one source record.
type JobRow struct {
	JobID           string          `json:"job_id"`
	RowNumber       int             `json:"row_number"`
	Status          RowStatus       `json:"status"`
	SourceKey       string          `json:"source_key"`
	SourceChecksum  string          `json:"source_checksum,omitempty"`
	MappedRequest   json.RawMessage `json:"mapped_request"`
	AttemptCount    int             `json:"attempt_count"`
	TrackingID      *string         `json:"tracking_id,omitempty"`
	CostCents       *int64          `json:"cost_cents,omitempty"`
	QuotedCostCents *int64          `json:"quoted_cost_cents,omitempty"`
	ArtifactRef     *string         `json:"artifact_ref,omitempty"`
	ErrorCode       *string         `json:"error_code,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	WriteBackStatus WriteBackStatus `json:"write_back_status"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// RowResult is a terminal outcome handed to the store in a single transaction.
type RowResult struct {
	JobID           string
	RowNumber       int
	Status          RowStatus
	Attempts        int
	TrackingID      *string
	CostCents       *int64
	ArtifactRef     *string
	ErrorCode       *string
	ErrorMessage    *string
	WriteBackStatus WriteBackStatus
}

// AuditAction names what an audit entry records.
type AuditAction string

const (
	AuditJobCreated       AuditAction = "job_created"
	AuditQuoteAttempt     AuditAction = "quote_attempt"
	AuditExecuteAttempt   AuditAction = "execute_attempt"
	AuditChecksumVerify   AuditAction = "checksum_verify"
	AuditWriteBackAttempt AuditAction = "writeback_attempt"
	AuditJobConfirmed     AuditAction = "job_confirmed"
	AuditCancelRequested  AuditAction = "job_cancel_requested"
	AuditRowsRetried      AuditAction = "rows_retried"
	AuditJobFinished      AuditAction = "job_finished"
	AuditJobHalted        AuditAction = "job_halted"
	AuditRowSkipped       AuditAction = "row_skipped"
)

// AuditOutcome records how an audited action ended.
type AuditOutcome string

const (
	OutcomeSuccess  AuditOutcome = "success"
	OutcomeFailure  AuditOutcome = "failure"
	OutcomeConflict AuditOutcome = "conflict"
	OutcomeSkipped  AuditOutcome = "skipped"
)

// AuditLog is one append-only audit row. Payload is already redacted when it reaches the store.
type AuditLog struct {
	ID        int64           `json:"id"`
	JobID     string          `json:"job_id"`
	RowNumber *int            `json:"row_number,omitempty"`
	Action    AuditAction     `json:"action"`
	Outcome   AuditOutcome    `json:"outcome"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ErrorCode *string         `json:"error_code,omitempty"`
	Recorded  time.Time       `json:"recorded_at"`
}
