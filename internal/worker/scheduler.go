package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shipment-batch-engine/internal/audit"
	"shipment-batch-engine/internal/config"
	"shipment-batch-engine/internal/events"
	"shipment-batch-engine/internal/failure"
	"shipment-batch-engine/internal/models"
	"shipment-batch-engine/internal/telemetry"
)

// ErrInterrupted is returned when dispatch stopped because ctx ended. The job keeps its
// running status so recovery can resume it.
var ErrInterrupted = errors.New("job run interrupted")

// Scheduler dispatches a job's pending rows to a bounded pool of processors.
type Scheduler struct {
	store       Store
	proc        *Processor
	bus         *events.Bus
	logger      *zap.Logger
	concurrency int
}

func NewScheduler(cfg config.Config, st Store, proc *Processor, bus *events.Bus, logger *zap.Logger) *Scheduler {
	n := cfg.WorkerConcurrency
	if n <= 0 {
		n = 1
	}
	return &Scheduler{store: st, proc: proc, bus: bus, logger: logger, concurrency: n}
}

// Run drives a job that is already in a running status until every row is terminal, the job
// is cancelled, a system error halts it, or ctx ends.
//
// Rows are dispatched in ascending row number; completion order is unordered. cancelled is
// consulted before each dispatch; rows already dispatched always run to completion because
// processors run on a context detached from ctx. The returned job is the last persisted state.
func (s *Scheduler) Run(ctx context.Context, jobID string, target Target, cancelled func() bool) (models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if !job.Status.Running() {
		return job, fmt.Errorf("job %s is %s, not running", jobID, job.Status)
	}
	log := s.logger.With(zap.String("job_id", jobID), zap.String("mode", string(job.Mode)))
	telemetry.RunningJobs.Inc()
	defer telemetry.RunningJobs.Dec()

	// work started here finishes even if ctx ends
	work := context.WithoutCancel(ctx)

	if n, err := s.store.ReclaimProcessing(work, jobID); err != nil {
		return s.halt(work, job, failure.Systemf(err, "reclaim rows"))
	} else if n > 0 {
		log.Info("reclaimed rows left processing by a previous run", zap.Int("rows", n))
	}

	s.bus.Publish(events.Started(job))

	if job.Mode == models.ModeExecute && target.Writer != nil {
		if err := s.retryWriteBacks(work, job.ID, target); err != nil {
			return s.halt(work, job, err)
		}
	}

	rows, err := s.store.ListRows(work, jobID, models.RowPending)
	if err != nil {
		return s.halt(work, job, failure.Systemf(err, "list pending rows"))
	}

	isCancelled := func(dispatched int) bool {
		if cancelled != nil && cancelled() {
			return true
		}
		// pick up cancels persisted by another process, once per pool-width of dispatches
		if dispatched%s.concurrency != 0 {
			return false
		}
		current, err := s.store.GetJob(work, jobID)
		if err != nil {
			log.Warn("read cancel flag", zap.Error(err))
			return false
		}
		return current.CancelRequested
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	var skipped atomic.Bool

	// the pool may have been full when a stop arrived, so a started worker checks again
	// before touching its row
	cancel := job.CancelRequested
	for i, row := range rows {
		row := row
		if gctx.Err() != nil {
			skipped.Store(true)
			break
		}
		if cancel || isCancelled(i) {
			cancel = true
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				skipped.Store(true)
				return nil
			}
			if cancelled != nil && cancelled() {
				return nil
			}
			return s.proc.Process(work, job, target, row)
		})
	}

	if haltErr := g.Wait(); haltErr != nil {
		return s.halt(work, job, haltErr)
	}
	if !cancel && cancelled != nil && cancelled() {
		cancel = true
	}
	interrupted := ctx.Err() != nil && skipped.Load()
	if interrupted && !cancel {
		log.Info("dispatch interrupted; job left for recovery")
		current, err := s.store.GetJob(work, jobID)
		if err == nil {
			job = current
		}
		return job, ErrInterrupted
	}
	return s.finish(work, job, cancel)
}

func (s *Scheduler) retryWriteBacks(ctx context.Context, jobID string, target Target) error {
	rows, err := s.store.ListRows(ctx, jobID, models.RowCompleted)
	if err != nil {
		return failure.Systemf(err, "list completed rows")
	}
	for _, row := range rows {
		if row.WriteBackStatus != models.WriteBackPending {
			continue
		}
		if err := s.proc.WriteBack(ctx, jobID, target, row); err != nil {
			return err
		}
	}
	return nil
}

// finish settles a drained run: rows never dispatched because of a cancel are skipped, then the
// final status is committed and job_completed is published last.
func (s *Scheduler) finish(ctx context.Context, last models.Job, cancel bool) (models.Job, error) {
	jobID := last.ID
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return s.halt(ctx, last, failure.Systemf(err, "read job"))
	}
	cancel = cancel || job.CancelRequested
	if cancel {
		if _, err := s.store.SkipPendingRows(ctx, jobID, failure.CodeCancelled, "job cancelled before the row was dispatched"); err != nil {
			return s.halt(ctx, job, failure.Systemf(err, "skip cancelled rows"))
		}
		current, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return s.halt(ctx, job, failure.Systemf(err, "read job"))
		}
		job = current
	}

	final := FinalStatus(job, cancel)
	summary := models.ProgressOf(job)
	entry := audit.Entry(jobID, nil, models.AuditJobFinished, models.OutcomeSuccess, nil, map[string]any{
		"status":           final,
		"successful_rows":  summary.Successful,
		"failed_rows":      summary.Failed,
		"skipped_rows":     summary.Skipped,
		"total_cost_cents": summary.CostCentsSoFar,
		"cancelled":        cancel,
	})
	finished, err := s.store.FinishJob(ctx, jobID, final, nil, nil, entry)
	if err != nil {
		return s.halt(ctx, job, failure.Systemf(err, "finish job"))
	}
	job = finished
	telemetry.JobsFinished.WithLabelValues(string(job.Mode), string(job.Status)).Inc()
	s.logger.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("status", string(job.Status)),
		zap.Int("successful", job.SuccessfulRows),
		zap.Int("failed", job.FailedRows),
		zap.Int("skipped", job.SkippedRows),
		zap.Int64("cost_cents", job.TotalCostCents),
	)
	s.bus.Publish(events.Completed(job))
	return job, nil
}

// FinalStatus applies the outcome rule to a drained job. A preview becomes preview_ready, or
// cancelled if a cancel was requested. An execute pass fails only when nothing succeeded and
// something failed.
func FinalStatus(job models.Job, cancel bool) models.JobStatus {
	if job.Mode == models.ModePreview {
		if cancel {
			return models.JobCancelled
		}
		return models.JobPreviewReady
	}
	if job.SuccessfulRows == 0 && job.FailedRows > 0 {
		return models.JobFailed
	}
	return models.JobCompleted
}

// halt marks the job failed with SYSTEM_ERROR and publishes job_halted. If the store cannot
// even record that, the job stays in its running status and recovery picks it up.
func (s *Scheduler) halt(ctx context.Context, job models.Job, cause error) (models.Job, error) {
	telemetry.JobsHalted.Inc()
	s.logger.Error("job halted", zap.String("job_id", job.ID), zap.Error(cause))

	code := failure.CodeSystem
	msg := cause.Error()
	entry := audit.Entry(job.ID, nil, models.AuditJobHalted, models.OutcomeFailure, &code, map[string]any{"error": msg})
	updated, err := s.store.FinishJob(ctx, job.ID, models.JobFailed, &code, &msg, entry)
	if err != nil {
		s.logger.Error("record job halt", zap.String("job_id", job.ID), zap.Error(err))
		if job.ErrorCode == nil {
			job.ErrorCode = &code
		}
		s.bus.Publish(events.Halted(job))
		return job, cause
	}
	s.bus.Publish(events.Halted(updated))
	return updated, cause
}
