package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"shipment-batch-engine/internal/models"
)

func (s *Store) appendAuditTx(ctx context.Context, tx *sql.Tx, entries []models.AuditLog) error {
	if len(entries) == 0 {
		return nil
	}
	now := s.nowMs()
	for _, e := range entries {
		var payload any
		if len(e.Payload) > 0 {
			payload = string(e.Payload)
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO audit_logs (job_id, row_number, action, outcome, payload, error_code, recorded_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`), e.JobID, e.RowNumber, string(e.Action), string(e.Outcome), payload, e.ErrorCode, now); err != nil {
			return fmt.Errorf("insert audit %s: %w", e.Action, err)
		}
	}
	return nil
}

// AppendAudit writes entries outside of any state change.
func (s *Store) AppendAudit(ctx context.Context, entries ...models.AuditLog) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.appendAuditTx(ctx, tx, entries)
	})
}

// ListAudit returns a job's audit trail in insertion order. A zero afterID lists from the start.
func (s *Store) ListAudit(ctx context.Context, jobID string, afterID int64, limit int) ([]models.AuditLog, error) {
	query := `SELECT id, job_id, row_number, action, outcome, payload, error_code, recorded_at_ms
		FROM audit_logs WHERE job_id = ? AND id > ? ORDER BY id ASC`
	args := []any{jobID, afterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var (
			e               models.AuditLog
			rowNumber       sql.NullInt64
			action, outcome string
			payload, code   sql.NullString
			recorded        int64
		)
		if err := rows.Scan(&e.ID, &e.JobID, &rowNumber, &action, &outcome, &payload, &code, &recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if rowNumber.Valid {
			n := int(rowNumber.Int64)
			e.RowNumber = &n
		}
		e.Action = models.AuditAction(action)
		e.Outcome = models.AuditOutcome(outcome)
		if payload.Valid {
			e.Payload = []byte(payload.String)
		}
		e.ErrorCode = nullString(code)
		e.Recorded = msToTime(recorded)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneAudit deletes audit entries recorded before the cutoff and returns how many went.
func (s *Store) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM audit_logs WHERE recorded_at_ms < ?`), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune audit: %w", err)
	}
	return res.RowsAffected()
}
