package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"shipment-batch-engine/internal/models"
)

const rowColumns = `job_id, row_number, status, source_key, source_checksum, mapped_request, attempt_count,
	tracking_id, cost_cents, quoted_cost_cents, artifact_ref, error_code, error_message, write_back_status, updated_at_ms`

func scanRow(sc scanner) (models.JobRow, error) {
	var (
		r                  models.JobRow
		status, mapped, wb string
		tracking, artifact sql.NullString
		errCode, errMsg    sql.NullString
		cost, quoted       sql.NullInt64
		updated            int64
	)
	err := sc.Scan(&r.JobID, &r.RowNumber, &status, &r.SourceKey, &r.SourceChecksum, &mapped, &r.AttemptCount,
		&tracking, &cost, &quoted, &artifact, &errCode, &errMsg, &wb, &updated)
	if err != nil {
		return models.JobRow{}, err
	}
	r.Status = models.RowStatus(status)
	r.MappedRequest = []byte(mapped)
	r.TrackingID = nullString(tracking)
	r.CostCents = nullInt64(cost)
	r.QuotedCostCents = nullInt64(quoted)
	r.ArtifactRef = nullString(artifact)
	r.ErrorCode = nullString(errCode)
	r.ErrorMessage = nullString(errMsg)
	r.WriteBackStatus = models.WriteBackStatus(wb)
	r.UpdatedAt = msToTime(updated)
	return r, nil
}

// ListRows returns a job's rows in ascending row number, optionally filtered by status.
func (s *Store) ListRows(ctx context.Context, jobID string, statuses ...models.RowStatus) ([]models.JobRow, error) {
	query := `SELECT ` + rowColumns + ` FROM job_rows WHERE job_id = ?`
	args := []any{jobID}
	if len(statuses) > 0 {
		in, inArgs := inClause(statuses)
		query += ` AND status IN ` + in
		args = append(args, inArgs...)
	}
	query += ` ORDER BY row_number ASC`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	defer rows.Close()

	var out []models.JobRow
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRow fetches one row.
func (s *Store) GetRow(ctx context.Context, jobID string, rowNumber int) (models.JobRow, error) {
	r, err := scanRow(s.db.QueryRowContext(ctx, s.q(`SELECT `+rowColumns+` FROM job_rows WHERE job_id = ? AND row_number = ?`), jobID, rowNumber))
	if errors.Is(err, sql.ErrNoRows) {
		return models.JobRow{}, fmt.Errorf("row %s/%d: %w", jobID, rowNumber, ErrNotFound)
	}
	if err != nil {
		return models.JobRow{}, fmt.Errorf("scan row: %w", err)
	}
	return r, nil
}

// ClaimRow moves a pending row to processing. It reports false when the row was not pending,
// which means another dispatch already owns or finished it.
func (s *Store) ClaimRow(ctx context.Context, jobID string, rowNumber int) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE job_rows SET status = ?, updated_at_ms = ?
		WHERE job_id = ? AND row_number = ? AND status = ?
	`), string(models.RowProcessing), s.nowMs(), jobID, rowNumber, string(models.RowPending))
	if err != nil {
		return false, fmt.Errorf("claim row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// FinishRow commits a row's terminal state, the job's aggregate counters and the row's attempt
// audit entries in one transaction. Skips are only valid from pending; completions and
// failures only from processing. A row that is no longer in the expected state yields
// ErrRowNotActive and nothing is counted twice.
func (s *Store) FinishRow(ctx context.Context, res models.RowResult, audit ...models.AuditLog) error {
	if !res.Status.Terminal() {
		return fmt.Errorf("finish row with non-terminal status %q", res.Status)
	}
	from := models.RowProcessing
	if res.Status == models.RowSkipped {
		from = models.RowPending
	}
	wb := res.WriteBackStatus
	if wb == "" {
		wb = models.WriteBackNotApplicable
	}

	var successful, failed, skipped int
	var cost int64
	switch res.Status {
	case models.RowCompleted:
		successful = 1
		if res.CostCents != nil {
			cost = *res.CostCents
		}
	case models.RowFailed:
		failed = 1
	case models.RowSkipped:
		skipped = 1
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.nowMs()
		r, err := tx.ExecContext(ctx, s.q(`
			UPDATE job_rows SET
				status = ?, attempt_count = attempt_count + ?, tracking_id = ?, cost_cents = ?, artifact_ref = ?,
				error_code = ?, error_message = ?, write_back_status = ?, updated_at_ms = ?
			WHERE job_id = ? AND row_number = ? AND status = ?
		`), string(res.Status), res.Attempts, res.TrackingID, res.CostCents, res.ArtifactRef,
			res.ErrorCode, res.ErrorMessage, string(wb), now, res.JobID, res.RowNumber, string(from))
		if err != nil {
			return fmt.Errorf("update row: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("row %s/%d: %w", res.JobID, res.RowNumber, ErrRowNotActive)
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE jobs SET
				successful_rows = successful_rows + ?, failed_rows = failed_rows + ?, skipped_rows = skipped_rows + ?,
				total_cost_cents = total_cost_cents + ?, updated_at_ms = ?
			WHERE id = ?
		`), successful, failed, skipped, cost, now, res.JobID); err != nil {
			return fmt.Errorf("update job counters: %w", err)
		}
		return s.appendAuditTx(ctx, tx, audit)
	})
}

// ReclaimProcessing returns rows stuck in processing to pending. Only the lease holder calls
// this, at the start of a run: such rows belong to a dispatch that died before committing.
func (s *Store) ReclaimProcessing(ctx context.Context, jobID string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE job_rows SET status = ?, updated_at_ms = ? WHERE job_id = ? AND status = ?
	`), string(models.RowPending), s.nowMs(), jobID, string(models.RowProcessing))
	if err != nil {
		return 0, fmt.Errorf("reclaim rows: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// SkipPendingRows marks every still-pending row skipped and counts them.
func (s *Store) SkipPendingRows(ctx context.Context, jobID, code, message string) (int, error) {
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = s.skipPendingTx(ctx, tx, jobID, code, message)
		return err
	})
	return n, err
}

func (s *Store) skipPendingTx(ctx context.Context, tx *sql.Tx, jobID, code, message string) (int, error) {
	now := s.nowMs()
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE job_rows SET status = ?, error_code = ?, error_message = ?, updated_at_ms = ?
		WHERE job_id = ? AND status = ?
	`), string(models.RowSkipped), code, message, now, jobID, string(models.RowPending))
	if err != nil {
		return 0, fmt.Errorf("skip pending rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE jobs SET skipped_rows = skipped_rows + ?, updated_at_ms = ? WHERE id = ?
	`), n, now, jobID); err != nil {
		return 0, fmt.Errorf("update skipped counter: %w", err)
	}
	return int(n), nil
}

// SetWriteBackStatus records the write-back outcome of a completed row with its audit entry.
func (s *Store) SetWriteBackStatus(ctx context.Context, jobID string, rowNumber int, status models.WriteBackStatus, audit ...models.AuditLog) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE job_rows SET write_back_status = ?, updated_at_ms = ?
			WHERE job_id = ? AND row_number = ? AND status = ?
		`), string(status), s.nowMs(), jobID, rowNumber, string(models.RowCompleted))
		if err != nil {
			return fmt.Errorf("update write-back status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("row %s/%d: %w", jobID, rowNumber, ErrRowNotActive)
		}
		return s.appendAuditTx(ctx, tx, audit)
	})
}
