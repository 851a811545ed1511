package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shipment-batch-engine/internal/audit"
	"shipment-batch-engine/internal/carrier"
	"shipment-batch-engine/internal/checksum"
	"shipment-batch-engine/internal/config"
	"shipment-batch-engine/internal/events"
	"shipment-batch-engine/internal/failure"
	"shipment-batch-engine/internal/gateway"
	"shipment-batch-engine/internal/lease"
	"shipment-batch-engine/internal/mapping"
	"shipment-batch-engine/internal/models"
	"shipment-batch-engine/internal/store"
	"shipment-batch-engine/internal/telemetry"
	"shipment-batch-engine/internal/worker"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrJobRunning   = errors.New("job is already running in this process")
)

// Store is everything the engine needs from the job store.
type Store interface {
	worker.Store
	CreateJob(ctx context.Context, job models.Job, rows []models.JobRow, audit ...models.AuditLog) (models.Job, error)
	ListJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]models.Job, error)
	TransitionJob(ctx context.Context, id string, to models.JobStatus, from ...models.JobStatus) (models.Job, error)
	BeginExecute(ctx context.Context, id string, audit ...models.AuditLog) (models.Job, error)
	ResetFailedRows(ctx context.Context, id string, to models.JobStatus, from []models.JobStatus, audit ...models.AuditLog) (models.Job, int, error)
	RequestCancel(ctx context.Context, id string, to models.JobStatus, from []models.JobStatus, audit ...models.AuditLog) (models.Job, error)
	CancelJob(ctx context.Context, id string, from []models.JobStatus, code string, audit ...models.AuditLog) (models.Job, error)
	ListAudit(ctx context.Context, jobID string, afterID int64, limit int) ([]models.AuditLog, error)
}

// Resolver returns the data source a job's results are written back to, or nil when the
// source takes no write-back. m is the job's mapping; its write-back columns are the ones the
// source must leave out of checksums.
type Resolver func(ctx context.Context, sourceRef string, m mapping.Mapping) (gateway.WriteBacker, error)

// Deps are the collaborators an Engine drives. Limiter and Sources may be nil.
type Deps struct {
	Store   Store
	Carrier carrier.Client
	Leaser  lease.Leaser
	Limiter worker.Limiter
	Bus     *events.Bus
	Sources Resolver
	Logger  *zap.Logger
}

// Engine is the entry point for batch jobs: it creates them, moves them through preview and
// execution under a per-job write lease, and reports progress.
type Engine struct {
	cfg     config.Config
	store   Store
	leaser  lease.Leaser
	sched   *worker.Scheduler
	bus     *events.Bus
	sources Resolver
	logger  *zap.Logger
	owner   string

	ctx  context.Context
	stop context.CancelFunc

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

type run struct {
	cancelled atomic.Bool
	done      chan struct{}
	job       models.Job
	err       error
}

func New(cfg config.Config, d Deps) (*Engine, error) {
	if d.Store == nil || d.Carrier == nil {
		return nil, errors.New("engine needs a store and a carrier client")
	}
	if d.Bus == nil {
		d.Bus = events.NewBus()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	owner := cfg.InstanceID
	if owner == "" {
		owner = config.DefaultInstanceID()
	}

	proc := worker.NewProcessor(cfg, d.Store, d.Carrier, d.Limiter, d.Bus, d.Logger)
	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		cfg:     cfg,
		store:   d.Store,
		leaser:  d.Leaser,
		sched:   worker.NewScheduler(cfg, d.Store, proc, d.Bus, d.Logger),
		bus:     d.Bus,
		sources: d.Sources,
		logger:  d.Logger,
		owner:   owner,
		ctx:     ctx,
		stop:    stop,
		runs:    make(map[string]*run),
	}, nil
}

// Owner is the lease owner id of this engine.
func (e *Engine) Owner() string { return e.owner }

// CreateJob persists a preview-mode job with one pending row per source row. Each row's request
// is mapped once, here, and its checksum captured for write-back.
func (e *Engine) CreateJob(ctx context.Context, rows []gateway.Row, m mapping.Mapping, sourceRef string) (models.Job, error) {
	if err := m.Check(); err != nil {
		return models.Job{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	rawMapping, err := json.Marshal(m)
	if err != nil {
		return models.Job{}, fmt.Errorf("encode mapping: %w", err)
	}

	exclude := m.WriteBackColumns()
	jobRows := make([]models.JobRow, len(rows))
	for i, r := range rows {
		req, err := m.Apply(r.Fields).Marshal()
		if err != nil {
			return models.Job{}, fmt.Errorf("encode row %d: %w", i+1, err)
		}
		key := r.Key
		if key == "" {
			key = fmt.Sprint(i + 1)
		}
		jobRows[i] = models.JobRow{
			RowNumber:      i + 1,
			SourceKey:      key,
			SourceChecksum: checksum.Of(r.Fields, exclude...),
			MappedRequest:  req,
		}
	}

	id := uuid.NewString()
	job := models.Job{
		ID:        id,
		Mode:      models.ModePreview,
		Status:    models.JobPending,
		SourceRef: sourceRef,
		Mapping:   rawMapping,
	}
	created := audit.Entry(id, nil, models.AuditJobCreated, models.OutcomeSuccess, nil, map[string]any{
		"total_rows": len(rows),
		"source_ref": sourceRef,
	})
	job, err = e.store.CreateJob(ctx, job, jobRows, created)
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsCreated.Inc()
	e.logger.Info("job created", zap.String("job_id", id), zap.Int("rows", len(rows)), zap.String("source_ref", sourceRef))
	return job, nil
}

// Preview quotes every pending row and blocks until the job is preview_ready (or cancelled,
// or halted).
func (e *Engine) Preview(ctx context.Context, jobID string) (models.Job, error) {
	r, err := e.start(ctx, jobID, func(ctx context.Context) (models.Job, error) {
		return e.store.TransitionJob(ctx, jobID, models.JobPreviewing, models.JobPending)
	})
	if err != nil {
		return models.Job{}, err
	}
	select {
	case <-r.done:
		return r.job, r.err
	case <-ctx.Done():
		// the run continues; the caller can follow it with Subscribe
		return models.Job{}, ctx.Err()
	}
}

// Confirm switches the job to execute mode and starts execution in the background. It returns
// once the job is executing.
func (e *Engine) Confirm(ctx context.Context, jobID string) (models.Job, error) {
	var job models.Job
	_, err := e.start(ctx, jobID, func(ctx context.Context) (models.Job, error) {
		current, err := e.store.GetJob(ctx, jobID)
		if err != nil {
			return models.Job{}, err
		}
		entry := audit.Entry(jobID, nil, models.AuditJobConfirmed, models.OutcomeSuccess, nil, map[string]any{
			"from_status":        current.Status,
			"preview_cost_cents": current.TotalCostCents,
		})
		job, err = e.store.BeginExecute(ctx, jobID, entry)
		return job, err
	})
	return job, err
}

// ConfirmAndSubscribe confirms the job like Confirm and returns a stream of the execution's
// events. The stream is opened before the run starts, so it carries job_started and every row
// event.
func (e *Engine) ConfirmAndSubscribe(ctx context.Context, jobID string) (models.Job, *events.Subscription, error) {
	sub := e.bus.Subscribe(jobID)
	job, err := e.Confirm(ctx, jobID)
	if err != nil {
		sub.Close()
		return models.Job{}, nil, err
	}
	return job, sub, nil
}

// RetryFailedRows resets failed rows to pending and re-runs the job in its current mode, in the
// background. It reports how many rows were reset; zero means there was nothing to retry and
// the job was left untouched.
func (e *Engine) RetryFailedRows(ctx context.Context, jobID string) (models.Job, int, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, 0, err
	}
	if job.FailedRows == 0 && job.PendingRows() == 0 {
		return job, 0, nil
	}

	to, from := models.JobExecuting, []models.JobStatus{models.JobCompleted, models.JobFailed}
	if job.Mode == models.ModePreview {
		to, from = models.JobPreviewing, []models.JobStatus{models.JobPreviewReady, models.JobFailed}
	}
	if !models.CanTransitionJob(job.Status, to) {
		return job, 0, fmt.Errorf("retry job %s in status %s: %w", jobID, job.Status, store.ErrInvalidTransition)
	}

	var reset int
	_, err = e.start(ctx, jobID, func(ctx context.Context) (models.Job, error) {
		entry := audit.Entry(jobID, nil, models.AuditRowsRetried, models.OutcomeSuccess, nil, map[string]any{
			"failed_rows": job.FailedRows,
		})
		var err error
		job, reset, err = e.store.ResetFailedRows(ctx, jobID, to, from, entry)
		return job, err
	})
	if err != nil {
		return models.Job{}, 0, err
	}
	return job, reset, nil
}

// Cancel stops a job. Jobs with nothing in flight are cancelled at once. A running job stops
// dispatching; rows in flight complete, the rest are skipped when the run drains.
func (e *Engine) Cancel(ctx context.Context, jobID string) (models.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	entry := audit.Entry(jobID, nil, models.AuditCancelRequested, models.OutcomeSuccess, nil, map[string]any{
		"from_status": job.Status,
	})

	switch job.Status {
	case models.JobPending, models.JobPreviewReady:
		job, err = e.store.CancelJob(ctx, jobID, []models.JobStatus{models.JobPending, models.JobPreviewReady}, failure.CodeCancelled, entry)
		if err != nil {
			return models.Job{}, err
		}
		e.bus.Publish(events.Completed(job))
		return job, nil
	case models.JobPreviewing:
		job, err = e.store.RequestCancel(ctx, jobID, models.JobPreviewing, []models.JobStatus{models.JobPreviewing}, entry)
	case models.JobExecuting:
		job, err = e.store.RequestCancel(ctx, jobID, models.JobCancelling, []models.JobStatus{models.JobExecuting}, entry)
	case models.JobCancelling:
		return job, nil
	default:
		return job, fmt.Errorf("cancel job %s in status %s: %w", jobID, job.Status, store.ErrInvalidTransition)
	}
	if err != nil {
		return models.Job{}, err
	}

	e.mu.Lock()
	if r, ok := e.runs[jobID]; ok {
		r.cancelled.Store(true)
	}
	e.mu.Unlock()
	e.logger.Info("job cancel requested", zap.String("job_id", jobID), zap.String("status", string(job.Status)))
	return job, nil
}

// GetProgress returns the job's counters.
func (e *Engine) GetProgress(ctx context.Context, jobID string) (models.Progress, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Progress{}, err
	}
	return models.ProgressOf(job), nil
}

func (e *Engine) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	return e.store.GetJob(ctx, jobID)
}

func (e *Engine) ListRows(ctx context.Context, jobID string, statuses ...models.RowStatus) ([]models.JobRow, error) {
	if _, err := e.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return e.store.ListRows(ctx, jobID, statuses...)
}

func (e *Engine) ListAudit(ctx context.Context, jobID string, afterID int64, limit int) ([]models.AuditLog, error) {
	if _, err := e.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return e.store.ListAudit(ctx, jobID, afterID, limit)
}

// Subscribe streams the job's progress events. For a job that has already finished, the stream
// carries the final job_completed (or job_halted) event and closes.
func (e *Engine) Subscribe(ctx context.Context, jobID string) (*events.Subscription, error) {
	sub := e.bus.Subscribe(jobID)
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		sub.Close()
		return nil, err
	}
	if job.Status == models.JobPending || job.Status.Running() || e.running(jobID) {
		return sub, nil
	}
	sub.Close()
	if job.Status == models.JobFailed && job.ErrorCode != nil && *job.ErrorCode == failure.CodeSystem {
		return e.bus.Subscribe(jobID, events.Halted(job)), nil
	}
	return e.bus.Subscribe(jobID, events.Completed(job)), nil
}

// Recover resumes every job a previous process left running, and every job halted by a system
// error that still has unfinished rows. It returns the ids of the runs it started; jobs leased
// by another live process are left alone.
func (e *Engine) Recover(ctx context.Context) ([]string, error) {
	return e.recoverJobs(ctx, true)
}

// RecoverEvery repeats the orphan half of Recover every interval until ctx ends or the engine
// shuts down. It resumes jobs whose previous owner died holding a lease that has since expired.
// interval defaults to the lease TTL.
func (e *Engine) RecoverEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = e.cfg.LeaseTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}
		resumed, err := e.recoverJobs(ctx, false)
		if err != nil {
			e.logger.Warn("periodic recovery", zap.Error(err))
			continue
		}
		if len(resumed) > 0 {
			e.logger.Info("resumed orphaned jobs", zap.Strings("job_ids", resumed))
		}
	}
}

func (e *Engine) recoverJobs(ctx context.Context, halted bool) ([]string, error) {
	statuses := []models.JobStatus{models.JobPreviewing, models.JobExecuting, models.JobCancelling}
	if halted {
		statuses = append(statuses, models.JobFailed)
	}
	jobs, err := e.store.ListJobsByStatus(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	var resumed []string
	for _, job := range jobs {
		job := job
		if e.running(job.ID) {
			continue
		}
		transition := func(ctx context.Context) (models.Job, error) { return e.store.GetJob(ctx, job.ID) }
		if job.Status == models.JobFailed {
			if job.ErrorCode == nil || *job.ErrorCode != failure.CodeSystem || job.PendingRows() == 0 {
				continue
			}
			to := models.JobExecuting
			if job.Mode == models.ModePreview {
				to = models.JobPreviewing
			}
			transition = func(ctx context.Context) (models.Job, error) {
				return e.store.TransitionJob(ctx, job.ID, to, models.JobFailed)
			}
		}

		_, err := e.start(ctx, job.ID, transition)
		switch {
		case errors.Is(err, lease.ErrHeld), errors.Is(err, ErrJobRunning):
			e.logger.Debug("job owned elsewhere, not recovering", zap.String("job_id", job.ID))
		case err != nil:
			e.logger.Error("recover job", zap.String("job_id", job.ID), zap.Error(err))
		default:
			e.logger.Info("job recovered", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
			resumed = append(resumed, job.ID)
		}
	}
	return resumed, nil
}

// Wait blocks until a job's run in this process has finished and returns its outcome. It
// returns immediately with the stored job when nothing runs.
func (e *Engine) Wait(ctx context.Context, jobID string) (models.Job, error) {
	e.mu.Lock()
	r, ok := e.runs[jobID]
	e.mu.Unlock()
	if !ok {
		return e.store.GetJob(ctx, jobID)
	}
	select {
	case <-r.done:
		return r.job, r.err
	case <-ctx.Done():
		return models.Job{}, ctx.Err()
	}
}

// Shutdown stops dispatch on every run, waits for in-flight rows and releases leases. Jobs keep
// their running status for the next Recover.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) running(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[jobID]
	return ok
}

// start reserves the job in this process, takes the write lease, resolves where results go,
// applies transition and launches the scheduler. The lease is released when the run ends.
func (e *Engine) start(ctx context.Context, jobID string, transition func(ctx context.Context) (models.Job, error)) (*run, error) {
	if e.ctx.Err() != nil {
		return nil, errors.New("engine is shutting down")
	}
	r := &run{done: make(chan struct{})}
	e.mu.Lock()
	if _, busy := e.runs[jobID]; busy {
		e.mu.Unlock()
		return nil, fmt.Errorf("job %s: %w", jobID, ErrJobRunning)
	}
	e.runs[jobID] = r
	e.mu.Unlock()

	unreserve := func() {
		e.mu.Lock()
		delete(e.runs, jobID)
		e.mu.Unlock()
	}

	var held *lease.Held
	if e.leaser != nil {
		var err error
		held, err = lease.Hold(ctx, e.leaser, jobID, e.owner, e.cfg.LeaseTTL, e.logger)
		if err != nil {
			unreserve()
			return nil, err
		}
	}
	release := func() {
		if held == nil {
			return
		}
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := held.Release(rctx); err != nil {
			e.logger.Warn("release job lease", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	current, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		release()
		unreserve()
		return nil, err
	}
	target, err := e.target(ctx, current)
	if err != nil {
		release()
		unreserve()
		return nil, err
	}
	if _, err := transition(ctx); err != nil {
		release()
		unreserve()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(e.ctx)
	if held != nil {
		go func() {
			select {
			case <-held.Lost():
				cancel()
			case <-runCtx.Done():
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		r.job, r.err = e.sched.Run(runCtx, jobID, target, r.cancelled.Load)
		if errors.Is(r.err, worker.ErrInterrupted) {
			e.logger.Info("job run interrupted", zap.String("job_id", jobID))
		} else if r.err != nil {
			e.logger.Error("job run failed", zap.String("job_id", jobID), zap.Error(r.err))
		}
		release()
		unreserve()
		close(r.done)
	}()
	return r, nil
}

// target decodes the job's mapping and resolves its write-back source.
func (e *Engine) target(ctx context.Context, job models.Job) (worker.Target, error) {
	var m mapping.Mapping
	if len(job.Mapping) > 0 {
		if err := json.Unmarshal(job.Mapping, &m); err != nil {
			return worker.Target{}, fmt.Errorf("decode mapping of job %s: %w", job.ID, err)
		}
	}
	t := worker.Target{Mapping: m}
	if !e.cfg.WriteBackEnabled || e.sources == nil || len(m.WriteBack) == 0 || job.SourceRef == "" {
		return t, nil
	}
	w, err := e.sources(ctx, job.SourceRef, m)
	if err != nil {
		return worker.Target{}, fmt.Errorf("resolve source %s: %w", job.SourceRef, err)
	}
	if w == nil {
		return t, nil
	}
	t.Writer = w
	if c, ok := w.(gateway.ChecksumReader); ok {
		t.Checker = c
	}
	return t, nil
}
