package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease takes the write lease on a job. The lease is granted when nobody holds it, when
// the caller already holds it, or when the previous holder let it expire.
func (s *Store) AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	now := s.nowMs()
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO job_leases (job_id, owner, expires_at_ms) VALUES (?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET owner = excluded.owner, expires_at_ms = excluded.expires_at_ms
		WHERE job_leases.owner = excluded.owner OR job_leases.expires_at_ms < ?
	`), jobID, owner, now+ttl.Milliseconds(), now)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrLeaseHeld)
	}
	return nil
}

// RenewLease extends a lease the caller still holds.
func (s *Store) RenewLease(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE job_leases SET expires_at_ms = ? WHERE job_id = ? AND owner = ?
	`), s.nowMs()+ttl.Milliseconds(), jobID, owner)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrLeaseLost)
	}
	return nil
}

// ReleaseLease drops the lease if the caller holds it. Releasing a lease held by someone else
// is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, jobID, owner string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM job_leases WHERE job_id = ? AND owner = ?`), jobID, owner); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
