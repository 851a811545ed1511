package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipment-batch-engine/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedJob(t *testing.T, s *Store, id string, n int) models.Job {
	t.Helper()
	rows := make([]models.JobRow, n)
	for i := range rows {
		rows[i] = models.JobRow{
			RowNumber:      i + 1,
			SourceKey:      "k" + string(rune('a'+i)),
			SourceChecksum: "sum",
			MappedRequest:  json.RawMessage(`{"weight":"1"}`),
		}
	}
	job, err := s.CreateJob(context.Background(), models.Job{
		ID:      id,
		Mode:    models.ModePreview,
		Status:  models.JobPending,
		Mapping: json.RawMessage(`{}`),
	}, rows, models.AuditLog{JobID: id, Action: models.AuditJobCreated, Outcome: models.OutcomeSuccess})
	require.NoError(t, err)
	return job
}

func ptr[T any](v T) *T { return &v }

func TestCreateAndGetJob(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedJob(t, s, "job-1", 3)

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 3, job.TotalRows)
	assert.Equal(t, 3, job.PendingRows())

	rows, err := s.ListRows(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, r := range rows {
		assert.Equal(t, i+1, r.RowNumber)
		assert.Equal(t, models.RowPending, r.Status)
		assert.Equal(t, models.WriteBackNotApplicable, r.WriteBackStatus)
	}

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	audit, err := s.ListAudit(ctx, "job-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, models.AuditJobCreated, audit[0].Action)
}

func TestTransitionJobRejectsWrongSource(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedJob(t, s, "job-1", 1)

	job, err := s.TransitionJob(ctx, "job-1", models.JobPreviewing, models.JobPending)
	require.NoError(t, err)
	assert.Equal(t, models.JobPreviewing, job.Status)

	_, err = s.TransitionJob(ctx, "job-1", models.JobPreviewing, models.JobPending)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.TransitionJob(ctx, "nope", models.JobPreviewing, models.JobPending)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinishRowUpdatesCountersOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedJob(t, s, "job-1", 3)

	claimed, err := s.ClaimRow(ctx, "job-1", 1)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = s.ClaimRow(ctx, "job-1", 1)
	require.NoError(t, err)
	assert.False(t, claimed, "row already processing")

	done := models.RowResult{
		JobID: "job-1", RowNumber: 1, Status: models.RowCompleted, Attempts: 2,
		CostCents: ptr(int64(1250)),
	}
	rn := 1
	require.NoError(t, s.FinishRow(ctx, done,
		models.AuditLog{JobID: "job-1", RowNumber: &rn, Action: models.AuditQuoteAttempt, Outcome: models.OutcomeFailure},
		models.AuditLog{JobID: "job-1", RowNumber: &rn, Action: models.AuditQuoteAttempt, Outcome: models.OutcomeSuccess},
	))
	assert.ErrorIs(t, s.FinishRow(ctx, done), ErrRowNotActive)

	_, err = s.ClaimRow(ctx, "job-1", 2)
	require.NoError(t, err)
	require.NoError(t, s.FinishRow(ctx, models.RowResult{
		JobID: "job-1", RowNumber: 2, Status: models.RowFailed, Attempts: 1,
		ErrorCode: ptr("CARRIER_PERMANENT"), ErrorMessage: ptr("address rejected"),
	}))

	require.NoError(t, s.FinishRow(ctx, models.RowResult{
		JobID: "job-1", RowNumber: 3, Status: models.RowSkipped,
		ErrorCode: ptr("DATA_ERROR"),
	}))

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.SuccessfulRows)
	assert.Equal(t, 1, job.FailedRows)
	assert.Equal(t, 1, job.SkippedRows)
	assert.Equal(t, int64(1250), job.TotalCostCents)
	assert.Zero(t, job.PendingRows())

	row, err := s.GetRow(ctx, "job-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, row.AttemptCount)
	require.NotNil(t, row.CostCents)
	assert.Equal(t, int64(1250), *row.CostCents)

	audit, err := s.ListAudit(ctx, "job-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, audit, 3)
	require.NotNil(t, audit[1].RowNumber)
	assert.Equal(t, 1, *audit[1].RowNumber)
}

func TestSkipRequiresPending(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedJob(t, s, "job-1", 1)

	_, err := s.ClaimRow(ctx, "job-1", 1)
	require.NoError(t, err)
	err = s.FinishRow(ctx, models.RowResult{JobID: "job-1", RowNumber: 1, Status: models.RowSkipped})
	assert.ErrorIs(t, err, ErrRowNotActive)
}

func TestReclaimProcessing(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedJob(t, s, "job-1", 2)

	_, err := s.ClaimRow(ctx, "job-1", 2)
	require.NoError(t, err)

	n, err := s.ReclaimProcessing(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := s.ListRows(ctx, "job-1", models.RowPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestBeginExecuteResetsPreviewPass(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedJob(t, s, "job-1", 3)

	_, err := s.TransitionJob(ctx, "job-1", models.JobPreviewing, models.JobPending)
	require.NoError(t, err)
	_, _ = s.ClaimRow(ctx, "job-1", 1)
	require.NoError(t, s.FinishRow(ctx, models.RowResult{JobID: "job-1", RowNumber: 1, Status: models.RowCompleted, Attempts: 1, CostCents: ptr(int64(900))}))
	_, _ = s.ClaimRow(ctx, "job-1", 2)
	require.NoError(t, s.FinishRow(ctx, models.RowResult{JobID: "job-1", RowNumber: 2, Status: models.RowFailed, Attempts: 3, ErrorCode: ptr("CARRIER_TRANSIENT")}))
	require.NoError(t, s.FinishRow(ctx, models.RowResult{JobID: "job-1", RowNumber: 3, Status: models.RowSkipped, ErrorCode: ptr("DATA_ERROR")}))
	_, err = s.FinishJob(ctx, "job-1", models.JobPreviewReady, nil, nil)
	require.NoError(t, err)

	job, err := s.BeginExecute(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.ModeExecute, job.Mode)
	assert.Equal(t, models.JobExecuting, job.Status)
	assert.Equal(t, int64(900), job.PreviewCostCents)
	assert.Zero(t, job.TotalCostCents)
	assert.Zero(t, job.SuccessfulRows)
	assert.Zero(t, job.FailedRows)
	assert.Equal(t, 1, job.SkippedRows)
	assert.Equal(t, 2, job.PendingRows())

	row, err := s.GetRow(ctx, "job-1", 1)
	require.NoError(t, err)
	assert.Equal(t, models.RowPending, row.Status)
	assert.Nil(t, row.CostCents)
	require.NotNil(t, row.QuotedCostCents)
	assert.Equal(t, int64(900), *row.QuotedCostCents)
	assert.Zero(t, row.AttemptCount)

	row, err = s.GetRow(ctx, "job-1", 3)
	require.NoError(t, err)
	assert.Equal(t, models.RowSkipped, row.Status)

	_, err = s.BeginExecute(ctx, "job-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestResetFailedRows(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedJob(t, s, "job-1", 2)

	_, err := s.BeginExecute(ctx, "job-1")
	require.NoError(t, err)
	for _, n := range []int{1, 2} {
		_, _ = s.ClaimRow(ctx, "job-1", n)
	}
	require.NoError(t, s.FinishRow(ctx, models.RowResult{JobID: "job-1", RowNumber: 1, Status: models.RowCompleted, Attempts: 1, TrackingID: ptr("T1"), CostCents: ptr(int64(100))}))
	require.NoError(t, s.FinishRow(ctx, models.RowResult{JobID: "job-1", RowNumber: 2, Status: models.RowFailed, Attempts: 1, ErrorCode: ptr("CARRIER_TIMEOUT")}))
	_, err = s.FinishJob(ctx, "job-1", models.JobCompleted, nil, nil)
	require.NoError(t, err)

	job, reset, err := s.ResetFailedRows(ctx, "job-1", models.JobExecuting, []models.JobStatus{models.JobCompleted, models.JobFailed})
	require.NoError(t, err)
	assert.Equal(t, 1, reset)
	assert.Equal(t, models.JobExecuting, job.Status)
	assert.Zero(t, job.FailedRows)
	assert.Equal(t, 1, job.SuccessfulRows)
	assert.Equal(t, int64(100), job.TotalCostCents)

	row, err := s.GetRow(ctx, "job-1", 1)
	require.NoError(t, err)
	assert.Equal(t, models.RowCompleted, row.Status)
	require.NotNil(t, row.TrackingID)
	assert.Equal(t, "T1", *row.TrackingID)
}

func TestCancelJobSkipsPendingRows(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedJob(t, s, "job-1", 4)

	job, err := s.CancelJob(ctx, "job-1", []models.JobStatus{models.JobPending, models.JobPreviewReady}, "CANCELLED")
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, job.Status)
	assert.True(t, job.CancelRequested)
	assert.Equal(t, 4, job.SkippedRows)
	assert.Zero(t, job.PendingRows())

	_, err = s.CancelJob(ctx, "job-1", []models.JobStatus{models.JobPending}, "CANCELLED")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRequestCancelAndFinish(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedJob(t, s, "job-1", 2)

	_, err := s.BeginExecute(ctx, "job-1")
	require.NoError(t, err)
	job, err := s.RequestCancel(ctx, "job-1", models.JobCancelling, []models.JobStatus{models.JobExecuting})
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelling, job.Status)
	assert.True(t, job.CancelRequested)

	n, err := s.SkipPendingRows(ctx, "job-1", "CANCELLED", "cancelled")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	job, err = s.FinishJob(ctx, "job-1", models.JobCompleted, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 2, job.SkippedRows)

	_, err = s.FinishJob(ctx, "job-1", models.JobFailed, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSetWriteBackStatus(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedJob(t, s, "job-1", 1)

	assert.ErrorIs(t, s.SetWriteBackStatus(ctx, "job-1", 1, models.WriteBackWritten), ErrRowNotActive)

	_, _ = s.ClaimRow(ctx, "job-1", 1)
	require.NoError(t, s.FinishRow(ctx, models.RowResult{
		JobID: "job-1", RowNumber: 1, Status: models.RowCompleted, Attempts: 1,
		TrackingID: ptr("T1"), CostCents: ptr(int64(5)), WriteBackStatus: models.WriteBackPending,
	}))
	pending, err := s.ListRows(ctx, "job-1", models.RowCompleted)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.WriteBackPending, pending[0].WriteBackStatus)

	require.NoError(t, s.SetWriteBackStatus(ctx, "job-1", 1, models.WriteBackConflict))
	row, err := s.GetRow(ctx, "job-1", 1)
	require.NoError(t, err)
	assert.Equal(t, models.WriteBackConflict, row.WriteBackStatus)
}

func TestLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	require.NoError(t, s.AcquireLease(ctx, "job-1", "a", 10*time.Second))
	require.NoError(t, s.AcquireLease(ctx, "job-1", "a", 10*time.Second), "reentrant")
	assert.ErrorIs(t, s.AcquireLease(ctx, "job-1", "b", 10*time.Second), ErrLeaseHeld)
	assert.ErrorIs(t, s.RenewLease(ctx, "job-1", "b", 10*time.Second), ErrLeaseLost)
	require.NoError(t, s.RenewLease(ctx, "job-1", "a", 10*time.Second))

	clock = clock.Add(11 * time.Second)
	require.NoError(t, s.AcquireLease(ctx, "job-1", "b", 10*time.Second), "expired lease is taken over")
	assert.ErrorIs(t, s.RenewLease(ctx, "job-1", "a", 10*time.Second), ErrLeaseLost)

	require.NoError(t, s.ReleaseLease(ctx, "job-1", "a"))
	assert.ErrorIs(t, s.AcquireLease(ctx, "job-1", "a", 10*time.Second), ErrLeaseHeld)
	require.NoError(t, s.ReleaseLease(ctx, "job-1", "b"))
	require.NoError(t, s.AcquireLease(ctx, "job-1", "a", 10*time.Second))
}

func TestPruneAudit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	seedJob(t, s, "job-1", 1)

	clock = clock.Add(48 * time.Hour)
	require.NoError(t, s.AppendAudit(ctx, models.AuditLog{JobID: "job-1", Action: models.AuditJobConfirmed, Outcome: models.OutcomeSuccess}))

	n, err := s.PruneAudit(ctx, clock.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	audit, err := s.ListAudit(ctx, "job-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, models.AuditJobConfirmed, audit[0].Action)
}
