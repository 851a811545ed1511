package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"shipment-batch-engine/internal/models"
)

const jobColumns = `id, mode, status, source_ref, mapping, total_rows, successful_rows, failed_rows, skipped_rows,
	total_cost_cents, preview_cost_cents, cancel_requested, error_code, error_message, created_at_ms, updated_at_ms`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (models.Job, error) {
	var (
		job                   models.Job
		mode, status, mapping string
		cancel                int
		errCode, errMsg       sql.NullString
		created, updated      int64
	)
	err := row.Scan(&job.ID, &mode, &status, &job.SourceRef, &mapping, &job.TotalRows, &job.SuccessfulRows,
		&job.FailedRows, &job.SkippedRows, &job.TotalCostCents, &job.PreviewCostCents, &cancel,
		&errCode, &errMsg, &created, &updated)
	if err != nil {
		return models.Job{}, err
	}
	job.Mode = models.Mode(mode)
	job.Status = models.JobStatus(status)
	job.Mapping = []byte(mapping)
	job.CancelRequested = cancel != 0
	job.ErrorCode = nullString(errCode)
	job.ErrorMessage = nullString(errMsg)
	job.CreatedAt = msToTime(created)
	job.UpdatedAt = msToTime(updated)
	return job, nil
}

// CreateJob inserts a job, all of its rows and the creation audit entry in one transaction.
func (s *Store) CreateJob(ctx context.Context, job models.Job, rows []models.JobRow, audit ...models.AuditLog) (models.Job, error) {
	now := s.now()
	job.CreatedAt, job.UpdatedAt = now, now
	job.TotalRows = len(rows)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO jobs (id, mode, status, source_ref, mapping, total_rows, created_at_ms, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`), job.ID, string(job.Mode), string(job.Status), job.SourceRef, string(job.Mapping), job.TotalRows, now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, s.q(`
			INSERT INTO job_rows (job_id, row_number, status, source_key, source_checksum, mapped_request, write_back_status, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`))
		if err != nil {
			return fmt.Errorf("prepare row insert: %w", err)
		}
		defer stmt.Close()
		for _, r := range rows {
			wb := r.WriteBackStatus
			if wb == "" {
				wb = models.WriteBackNotApplicable
			}
			if _, err := stmt.ExecContext(ctx, job.ID, r.RowNumber, string(models.RowPending), r.SourceKey,
				r.SourceChecksum, string(r.MappedRequest), string(wb), now.UnixMilli()); err != nil {
				return fmt.Errorf("insert row %d: %w", r.RowNumber, err)
			}
		}
		return s.appendAuditTx(ctx, tx, audit)
	})
	if err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	return s.getJob(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getJob(ctx context.Context, q queryRower, id string) (models.Job, error) {
	job, err := scanJob(q.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobsByStatus returns jobs in any of the given statuses, oldest first.
func (s *Store) ListJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]models.Job, error) {
	in, args := inClause(statuses)
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE status IN `+in+` ORDER BY created_at_ms ASC`), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// TransitionJob moves a job to `to` if its current status is one of from. Error fields are
// cleared: a job entering a running state carries no job-level failure.
func (s *Store) TransitionJob(ctx context.Context, id string, to models.JobStatus, from ...models.JobStatus) (models.Job, error) {
	var job models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.transitionTx(ctx, tx, id, to, from); err != nil {
			return err
		}
		var err error
		job, err = s.getJob(ctx, tx, id)
		return err
	})
	return job, err
}

func (s *Store) transitionTx(ctx context.Context, tx *sql.Tx, id string, to models.JobStatus, from []models.JobStatus) error {
	in, args := inClause(from)
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE jobs SET status = ?, error_code = NULL, error_message = NULL, updated_at_ms = ?
		WHERE id = ? AND status IN `+in), append([]any{string(to), s.nowMs(), id}, args...)...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return s.expectOne(ctx, tx, res, id)
}

// expectOne turns a zero-row conditional update into ErrNotFound or ErrInvalidTransition.
func (s *Store) expectOne(ctx context.Context, tx *sql.Tx, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var status string
	err = tx.QueryRowContext(ctx, s.q(`SELECT status FROM jobs WHERE id = ?`), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}
	return fmt.Errorf("job %s is %s: %w", id, status, ErrInvalidTransition)
}

// BeginExecute switches a pending or previewed job into execute mode. Rows quoted or failed
// during preview go back to pending (their quote is kept in quoted_cost_cents); skipped rows
// stay skipped. Aggregates restart so they only ever describe the execute pass.
func (s *Store) BeginExecute(ctx context.Context, id string, audit ...models.AuditLog) (models.Job, error) {
	var job models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.nowMs()
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE jobs SET
				mode = ?, status = ?,
				preview_cost_cents = CASE WHEN status = ? THEN total_cost_cents ELSE preview_cost_cents END,
				successful_rows = 0, failed_rows = 0, total_cost_cents = 0,
				cancel_requested = 0, error_code = NULL, error_message = NULL, updated_at_ms = ?
			WHERE id = ? AND status IN (?, ?)
		`), string(models.ModeExecute), string(models.JobExecuting), string(models.JobPreviewReady), now,
			id, string(models.JobPending), string(models.JobPreviewReady))
		if err != nil {
			return fmt.Errorf("begin execute: %w", err)
		}
		if err := s.expectOne(ctx, tx, res, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE job_rows SET
				status = ?,
				quoted_cost_cents = CASE WHEN status = ? THEN cost_cents ELSE quoted_cost_cents END,
				cost_cents = NULL, tracking_id = NULL, artifact_ref = NULL,
				error_code = NULL, error_message = NULL, attempt_count = 0,
				write_back_status = ?, updated_at_ms = ?
			WHERE job_id = ? AND status IN (?, ?)
		`), string(models.RowPending), string(models.RowCompleted), string(models.WriteBackNotApplicable), now,
			id, string(models.RowCompleted), string(models.RowFailed))
		if err != nil {
			return fmt.Errorf("reset rows for execute: %w", err)
		}
		if err := s.appendAuditTx(ctx, tx, audit); err != nil {
			return err
		}
		job, err = s.getJob(ctx, tx, id)
		return err
	})
	return job, err
}

// ResetFailedRows moves every failed row back to pending and the job to `to`, provided the job
// is currently in one of from. It returns the updated job and the number of rows reset.
func (s *Store) ResetFailedRows(ctx context.Context, id string, to models.JobStatus, from []models.JobStatus, audit ...models.AuditLog) (models.Job, int, error) {
	var (
		job   models.Job
		reset int
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.transitionTx(ctx, tx, id, to, from); err != nil {
			return err
		}
		now := s.nowMs()
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE job_rows SET status = ?, error_code = NULL, error_message = NULL, updated_at_ms = ?
			WHERE job_id = ? AND status = ?
		`), string(models.RowPending), now, id, string(models.RowFailed))
		if err != nil {
			return fmt.Errorf("reset failed rows: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		reset = int(n)
		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE jobs SET failed_rows = failed_rows - ?, cancel_requested = 0, updated_at_ms = ? WHERE id = ?
		`), reset, now, id); err != nil {
			return fmt.Errorf("update failed counter: %w", err)
		}
		if err := s.appendAuditTx(ctx, tx, audit); err != nil {
			return err
		}
		job, err = s.getJob(ctx, tx, id)
		return err
	})
	return job, reset, err
}

// RequestCancel persists the cooperative cancel flag and moves the job to `to` when its
// current status is one of from.
func (s *Store) RequestCancel(ctx context.Context, id string, to models.JobStatus, from []models.JobStatus, audit ...models.AuditLog) (models.Job, error) {
	var job models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		in, args := inClause(from)
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE jobs SET status = ?, cancel_requested = 1, updated_at_ms = ?
			WHERE id = ? AND status IN `+in), append([]any{string(to), s.nowMs(), id}, args...)...)
		if err != nil {
			return fmt.Errorf("request cancel: %w", err)
		}
		if err := s.expectOne(ctx, tx, res, id); err != nil {
			return err
		}
		if err := s.appendAuditTx(ctx, tx, audit); err != nil {
			return err
		}
		job, err = s.getJob(ctx, tx, id)
		return err
	})
	return job, err
}

// CancelJob cancels a job that has nothing in flight: the job becomes cancelled and every
// pending row becomes skipped with the given code, keeping the row counters balanced.
func (s *Store) CancelJob(ctx context.Context, id string, from []models.JobStatus, code string, audit ...models.AuditLog) (models.Job, error) {
	var job models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		in, args := inClause(from)
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE jobs SET status = ?, cancel_requested = 1, updated_at_ms = ?
			WHERE id = ? AND status IN `+in), append([]any{string(models.JobCancelled), s.nowMs(), id}, args...)...)
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		if err := s.expectOne(ctx, tx, res, id); err != nil {
			return err
		}
		if _, err := s.skipPendingTx(ctx, tx, id, code, "job cancelled before the row was dispatched"); err != nil {
			return err
		}
		if err := s.appendAuditTx(ctx, tx, audit); err != nil {
			return err
		}
		job, err = s.getJob(ctx, tx, id)
		return err
	})
	return job, err
}

// FinishJob records the final status of a drained (or halted) run. Only running jobs finish.
func (s *Store) FinishJob(ctx context.Context, id string, to models.JobStatus, errCode, errMsg *string, audit ...models.AuditLog) (models.Job, error) {
	var job models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE jobs SET status = ?, error_code = ?, error_message = ?, updated_at_ms = ?
			WHERE id = ? AND status IN (?, ?, ?)
		`), string(to), errCode, errMsg, s.nowMs(), id,
			string(models.JobPreviewing), string(models.JobExecuting), string(models.JobCancelling))
		if err != nil {
			return fmt.Errorf("finish job: %w", err)
		}
		if err := s.expectOne(ctx, tx, res, id); err != nil {
			return err
		}
		if err := s.appendAuditTx(ctx, tx, audit); err != nil {
			return err
		}
		job, err = s.getJob(ctx, tx, id)
		return err
	})
	return job, err
}
