package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"shipment-batch-engine/internal/audit"
	"shipment-batch-engine/internal/carrier"
	"shipment-batch-engine/internal/checksum"
	"shipment-batch-engine/internal/config"
	"shipment-batch-engine/internal/events"
	"shipment-batch-engine/internal/failure"
	"shipment-batch-engine/internal/gateway"
	"shipment-batch-engine/internal/mapping"
	"shipment-batch-engine/internal/models"
	"shipment-batch-engine/internal/store"
	"shipment-batch-engine/internal/telemetry"
)

// Store is the part of the job store the worker drives.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListRows(ctx context.Context, jobID string, statuses ...models.RowStatus) ([]models.JobRow, error)
	ClaimRow(ctx context.Context, jobID string, rowNumber int) (bool, error)
	FinishRow(ctx context.Context, res models.RowResult, audit ...models.AuditLog) error
	ReclaimProcessing(ctx context.Context, jobID string) (int, error)
	SkipPendingRows(ctx context.Context, jobID, code, message string) (int, error)
	SetWriteBackStatus(ctx context.Context, jobID string, rowNumber int, status models.WriteBackStatus, audit ...models.AuditLog) error
	AppendAudit(ctx context.Context, entries ...models.AuditLog) error
	FinishJob(ctx context.Context, id string, to models.JobStatus, errCode, errMsg *string, audit ...models.AuditLog) (models.Job, error)
}

// Limiter throttles carrier calls.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Target describes how a job's rows map to carrier requests and back to their source.
// Writer is nil when results are not written back; Checker is nil when the source cannot
// report live checksums.
type Target struct {
	Mapping mapping.Mapping
	Writer  gateway.WriteBacker
	Checker gateway.ChecksumReader
}

// Processor takes one row from pending to a terminal status.
type Processor struct {
	cfg     config.Config
	store   Store
	carrier carrier.Client
	limiter Limiter
	bus     *events.Bus
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewProcessor wires a processor. limiter may be nil.
func NewProcessor(cfg config.Config, st Store, c carrier.Client, limiter Limiter, bus *events.Bus, logger *zap.Logger) *Processor {
	return &Processor{
		cfg:     cfg,
		store:   st,
		carrier: c,
		limiter: limiter,
		bus:     bus,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

const carrierLimitKey = "ratelimit:carrier"

// Process runs one row. Row-level failures are recorded on the row and never returned; the
// only error returned is a system failure, after which the caller must stop dispatching.
func (p *Processor) Process(ctx context.Context, job models.Job, target Target, row models.JobRow) error {
	rn := row.RowNumber
	log := p.logger.With(zap.String("job_id", job.ID), zap.Int("row", rn))

	req, err := mapping.DecodeRequest(row.MappedRequest)
	if err == nil {
		err = target.Mapping.Validate(req)
	}
	if err != nil {
		return p.skip(ctx, job, row, err)
	}

	claimed, err := p.store.ClaimRow(ctx, job.ID, rn)
	if err != nil {
		return failure.Systemf(err, "claim row %d", rn)
	}
	if !claimed {
		log.Debug("row no longer pending")
		return nil
	}
	p.bus.Publish(events.Row(job.ID, rn, models.RowProcessing, nil, nil, nil))
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	var (
		entries   []models.AuditLog
		conflict  bool
		writeBack = job.Mode == models.ModeExecute && target.Writer != nil && len(target.Mapping.WriteBack) > 0
	)
	if writeBack && target.Checker != nil && row.SourceChecksum != "" {
		var entry models.AuditLog
		conflict, entry = p.verifyChecksum(ctx, job.ID, row, target.Checker)
		entries = append(entries, entry)
	}

	res := models.RowResult{JobID: job.ID, RowNumber: rn}
	var callErr *failure.Error
	if job.Mode == models.ModeExecute {
		var attempts []models.AuditLog
		res, attempts, callErr = p.execute(ctx, job.ID, rn, req)
		entries = append(entries, attempts...)
	} else {
		var attempts []models.AuditLog
		res, attempts, callErr = p.quote(ctx, job.ID, rn, req)
		entries = append(entries, attempts...)
	}

	if callErr != nil {
		res.Status = models.RowFailed
		res.ErrorCode = &callErr.Code
		res.ErrorMessage = &callErr.Message
		res.WriteBackStatus = models.WriteBackNotApplicable
	} else {
		res.Status = models.RowCompleted
		switch {
		case !writeBack:
			res.WriteBackStatus = models.WriteBackNotApplicable
		case conflict:
			res.WriteBackStatus = models.WriteBackConflict
		default:
			res.WriteBackStatus = models.WriteBackPending
		}
	}

	if err := p.store.FinishRow(ctx, res, entries...); err != nil {
		return failure.Systemf(err, "commit row %d", rn)
	}
	telemetry.RowsProcessed.WithLabelValues(string(job.Mode), string(res.Status)).Inc()
	p.bus.Publish(events.Row(job.ID, rn, res.Status, res.CostCents, res.TrackingID, res.ErrorCode))
	if callErr != nil {
		log.Info("row failed", zap.String("code", callErr.Code), zap.String("kind", string(callErr.Kind)), zap.Int("attempts", res.Attempts))
		return nil
	}

	if res.WriteBackStatus == models.WriteBackPending {
		row.Status = res.Status
		row.TrackingID = res.TrackingID
		row.CostCents = res.CostCents
		row.ArtifactRef = res.ArtifactRef
		row.WriteBackStatus = res.WriteBackStatus
		return p.WriteBack(ctx, job.ID, target, row)
	}
	return nil
}

// skip finishes a row whose request is structurally invalid. No carrier attempt is made.
func (p *Processor) skip(ctx context.Context, job models.Job, row models.JobRow, cause error) error {
	fe := failure.Classify(cause, false)
	if fe.Kind != failure.Data {
		fe = failure.Wrap(failure.Data, "", cause)
	}
	rn := row.RowNumber
	res := models.RowResult{
		JobID:           job.ID,
		RowNumber:       rn,
		Status:          models.RowSkipped,
		ErrorCode:       &fe.Code,
		ErrorMessage:    &fe.Message,
		WriteBackStatus: models.WriteBackNotApplicable,
	}
	entry := audit.Entry(job.ID, &rn, models.AuditRowSkipped, models.OutcomeSkipped, &fe.Code, map[string]any{
		"reason": fe.Message,
	})
	err := p.store.FinishRow(ctx, res, entry)
	if errors.Is(err, store.ErrRowNotActive) {
		return nil
	}
	if err != nil {
		return failure.Systemf(err, "skip row %d", rn)
	}
	telemetry.RowsProcessed.WithLabelValues(string(job.Mode), string(models.RowSkipped)).Inc()
	p.bus.Publish(events.Row(job.ID, rn, models.RowSkipped, nil, nil, &fe.Code))
	return nil
}

// verifyChecksum compares the row's ingestion checksum with the source's live one. Only a
// mismatch or a vanished row is a conflict; a failed read leaves the decision to WriteBack.
func (p *Processor) verifyChecksum(ctx context.Context, jobID string, row models.JobRow, checker gateway.ChecksumReader) (bool, models.AuditLog) {
	rn := row.RowNumber
	live, err := checker.LiveChecksum(ctx, row.SourceKey)
	switch {
	case err == nil && checksum.Equal(row.SourceChecksum, live):
		return false, audit.Entry(jobID, &rn, models.AuditChecksumVerify, models.OutcomeSuccess, nil, nil)
	case err != nil && !errors.Is(err, gateway.ErrRowNotFound) && !errors.Is(err, gateway.ErrConflict):
		p.logger.Warn("read live checksum", zap.String("job_id", jobID), zap.Int("row", rn), zap.Error(err))
		return false, audit.Entry(jobID, &rn, models.AuditChecksumVerify, models.OutcomeFailure, nil, map[string]any{
			"error": err.Error(),
		})
	}
	code := failure.CodeConflict
	fields := map[string]any{"reason": "source row changed since ingestion"}
	if err != nil {
		fields["reason"] = err.Error()
	}
	p.logger.Warn("checksum mismatch, write-back blocked", zap.String("job_id", jobID), zap.Int("row", rn), zap.Error(err))
	return true, audit.Entry(jobID, &rn, models.AuditChecksumVerify, models.OutcomeConflict, &code, fields)
}

// quote calls the carrier's read-only quote, retrying transient failures with backoff.
func (p *Processor) quote(ctx context.Context, jobID string, rn int, req mapping.Request) (models.RowResult, []models.AuditLog, *failure.Error) {
	res := models.RowResult{JobID: jobID, RowNumber: rn}
	maxAttempts := 1 + p.cfg.QuoteMaxRetries
	var entries []models.AuditLog

	for attempt := 1; ; attempt++ {
		p.throttle(ctx)
		callCtx, cancel := p.callContext(ctx)
		start := time.Now()
		q, err := p.carrier.Quote(callCtx, req)
		cancel()
		telemetry.CarrierLatency.WithLabelValues("quote").Observe(time.Since(start).Seconds())
		res.Attempts = attempt

		fields := map[string]any{"attempt": attempt, "request": req}
		if err == nil {
			telemetry.CarrierCalls.WithLabelValues("quote", "success").Inc()
			cost := q.CostCents
			res.CostCents = &cost
			fields["cost_cents"] = cost
			if len(q.Warnings) > 0 {
				fields["warnings"] = q.Warnings
			}
			entries = append(entries, audit.Entry(jobID, &rn, models.AuditQuoteAttempt, models.OutcomeSuccess, nil, fields))
			return res, entries, nil
		}

		fe := failure.Classify(err, false)
		telemetry.CarrierCalls.WithLabelValues("quote", string(fe.Kind)).Inc()
		fields["error"] = fe.Message
		code := fe.Code
		entries = append(entries, audit.Entry(jobID, &rn, models.AuditQuoteAttempt, models.OutcomeFailure, &code, fields))
		if !failure.Retryable(fe) || attempt >= maxAttempts {
			return res, entries, fe
		}
		if err := p.sleep(ctx, backoffWithJitter(p.cfg.RetryBackoffInitial, p.cfg.RetryBackoffMax, attempt)); err != nil {
			return res, entries, fe
		}
	}
}

// execute calls the carrier's mutating execute exactly once. A timeout or transient error is
// final: the shipment may have been created and must not be created twice.
func (p *Processor) execute(ctx context.Context, jobID string, rn int, req mapping.Request) (models.RowResult, []models.AuditLog, *failure.Error) {
	res := models.RowResult{JobID: jobID, RowNumber: rn, Attempts: 1}
	key := fmt.Sprintf("%s:%d", jobID, rn)

	p.throttle(ctx)
	callCtx, cancel := p.callContext(ctx)
	start := time.Now()
	s, err := p.carrier.Execute(callCtx, req, key)
	cancel()
	telemetry.CarrierLatency.WithLabelValues("execute").Observe(time.Since(start).Seconds())

	fields := map[string]any{"attempt": 1, "request": req, "idempotency_key": key}
	if err != nil {
		fe := failure.Classify(err, true)
		telemetry.CarrierCalls.WithLabelValues("execute", string(fe.Kind)).Inc()
		fields["error"] = fe.Message
		code := fe.Code
		return res, []models.AuditLog{audit.Entry(jobID, &rn, models.AuditExecuteAttempt, models.OutcomeFailure, &code, fields)}, fe
	}

	telemetry.CarrierCalls.WithLabelValues("execute", "success").Inc()
	tracking, cost := s.TrackingID, s.CostCents
	res.TrackingID = &tracking
	res.CostCents = &cost
	if s.ArtifactRef != "" {
		artifact := s.ArtifactRef
		res.ArtifactRef = &artifact
	}
	fields["tracking_id"] = tracking
	fields["cost_cents"] = cost
	fields["artifact_ref"] = s.ArtifactRef
	return res, []models.AuditLog{audit.Entry(jobID, &rn, models.AuditExecuteAttempt, models.OutcomeSuccess, nil, fields)}, nil
}

func (p *Processor) throttle(ctx context.Context) {
	if p.limiter == nil {
		return
	}
	if err := p.limiter.Wait(ctx, carrierLimitKey); err != nil {
		// fail open
		p.logger.Warn("carrier rate limiter unavailable", zap.Error(err))
	}
}

func (p *Processor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.CarrierTimeout > 0 {
		return context.WithTimeout(ctx, p.cfg.CarrierTimeout)
	}
	return context.WithCancel(ctx)
}

// WriteBack writes a completed row's outputs to its source when its write-back is pending. A
// conflict is a warning recorded on the row; any other gateway error leaves the row pending for
// the next resume.
func (p *Processor) WriteBack(ctx context.Context, jobID string, target Target, row models.JobRow) error {
	if target.Writer == nil || row.TrackingID == nil || row.WriteBackStatus != models.WriteBackPending {
		return nil
	}
	rn := row.RowNumber
	var cost int64
	if row.CostCents != nil {
		cost = *row.CostCents
	}
	artifact := ""
	if row.ArtifactRef != nil {
		artifact = *row.ArtifactRef
	}
	outputs := target.Mapping.Outputs(*row.TrackingID, cost, artifact)
	fields := map[string]any{"outputs": outputs}

	err := target.Writer.WriteBack(ctx, row.SourceKey, outputs, row.SourceChecksum)
	switch {
	case err == nil:
		telemetry.WriteBacks.WithLabelValues("written").Inc()
		entry := audit.Entry(jobID, &rn, models.AuditWriteBackAttempt, models.OutcomeSuccess, nil, fields)
		if err := p.store.SetWriteBackStatus(ctx, jobID, rn, models.WriteBackWritten, entry); err != nil {
			return failure.Systemf(err, "record write-back of row %d", rn)
		}
	case errors.Is(err, gateway.ErrConflict):
		telemetry.WriteBacks.WithLabelValues("conflict").Inc()
		p.logger.Warn("write-back conflict", zap.String("job_id", jobID), zap.Int("row", rn))
		code := failure.CodeConflict
		fields["error"] = err.Error()
		entry := audit.Entry(jobID, &rn, models.AuditWriteBackAttempt, models.OutcomeConflict, &code, fields)
		if err := p.store.SetWriteBackStatus(ctx, jobID, rn, models.WriteBackConflict, entry); err != nil {
			return failure.Systemf(err, "record write-back conflict of row %d", rn)
		}
	default:
		telemetry.WriteBacks.WithLabelValues("error").Inc()
		p.logger.Warn("write-back failed, will retry on resume", zap.String("job_id", jobID), zap.Int("row", rn), zap.Error(err))
		fields["error"] = err.Error()
		entry := audit.Entry(jobID, &rn, models.AuditWriteBackAttempt, models.OutcomeFailure, nil, fields)
		if err := p.store.AppendAudit(ctx, entry); err != nil {
			return failure.Systemf(err, "record write-back failure of row %d", rn)
		}
	}
	return nil
}
