package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"shipment-batch-engine/internal/carrier"
	"shipment-batch-engine/internal/config"
	"shipment-batch-engine/internal/events"
	"shipment-batch-engine/internal/failure"
	"shipment-batch-engine/internal/gateway"
	"shipment-batch-engine/internal/mapping"
	"shipment-batch-engine/internal/models"
	"shipment-batch-engine/internal/store"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	for i := 0; i < 50; i++ {
		b1 := backoffWithJitter(base, max, 1)
		if b1 < base/2 || b1 > base {
			t.Fatalf("backoff out of range: %s", b1)
		}

		b3 := backoffWithJitter(base, max, 3)
		if b3 < 2*base || b3 > 4*base {
			t.Fatalf("backoff out of range for attempt 3: %s", b3)
		}

		if b := backoffWithJitter(base, max, 40); b > max {
			t.Fatalf("backoff above cap: %s", b)
		}
	}
}

// fakeCarrier scripts carrier responses per request "ref".
type fakeCarrier struct {
	mu         sync.Mutex
	quoteErrs  map[string][]error
	execErrs   map[string]error
	quoteCalls map[string]int
	execCalls  map[string]int
	order      []string
	delay      time.Duration
	onCall     func(ref string)

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{
		quoteErrs:  map[string][]error{},
		execErrs:   map[string]error{},
		quoteCalls: map[string]int{},
		execCalls:  map[string]int{},
	}
}

func (f *fakeCarrier) enter(ref string) func() {
	n := f.inflight.Add(1)
	for {
		m := f.maxInflight.Load()
		if n <= m || f.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	if f.onCall != nil {
		f.onCall(ref)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return func() { f.inflight.Add(-1) }
}

func (f *fakeCarrier) Quote(ctx context.Context, req mapping.Request) (carrier.Quote, error) {
	ref := req["ref"]
	defer f.enter(ref)()
	f.mu.Lock()
	n := f.quoteCalls[ref]
	f.quoteCalls[ref] = n + 1
	f.order = append(f.order, ref)
	var err error
	if n < len(f.quoteErrs[ref]) {
		err = f.quoteErrs[ref][n]
	}
	f.mu.Unlock()
	if err != nil {
		return carrier.Quote{}, err
	}
	return carrier.Quote{CostCents: 1000}, nil
}

func (f *fakeCarrier) Execute(ctx context.Context, req mapping.Request, key string) (carrier.Shipment, error) {
	ref := req["ref"]
	defer f.enter(ref)()
	f.mu.Lock()
	f.execCalls[ref]++
	f.order = append(f.order, ref)
	err := f.execErrs[ref]
	f.mu.Unlock()
	if err != nil {
		return carrier.Shipment{}, err
	}
	return carrier.Shipment{TrackingID: "TRK-" + key, CostCents: 1100, ArtifactRef: "label-" + ref}, nil
}

func (f *fakeCarrier) calls(ref string) (quotes, executes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quoteCalls[ref], f.execCalls[ref]
}

// fakeSource records write-backs and serves scripted live checksums.
type fakeSource struct {
	mu     sync.Mutex
	live    map[string]string
	liveErr error
	err     error
	writes  map[string]map[string]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{live: map[string]string{}, writes: map[string]map[string]string{}}
}

func (f *fakeSource) WriteBack(ctx context.Context, key string, outputs map[string]string, expected string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.writes[key] = outputs
	return nil
}

func (f *fakeSource) LiveChecksum(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.liveErr != nil {
		return "", f.liveErr
	}
	if sum, ok := f.live[key]; ok {
		return sum, nil
	}
	return "sum-" + key, nil
}

func (f *fakeSource) written(key string) (map[string]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.writes[key]
	return out, ok
}

var testMapping = mapping.Mapping{
	Fields:    map[string]string{"ref": "ref", "weight": "weight"},
	Required:  []string{"ref", "weight"},
	Numeric:   []string{"weight"},
	WriteBack: map[string]string{mapping.OutputTrackingID: "tracking", mapping.OutputCostCents: "cost"},
}

func testConfig() config.Config {
	return config.Config{
		WorkerConcurrency:   3,
		QuoteMaxRetries:     2,
		RetryBackoffInitial: time.Millisecond,
		RetryBackoffMax:     5 * time.Millisecond,
		CarrierTimeout:      time.Second,
	}
}

type harness struct {
	store   *store.Store
	carrier *fakeCarrier
	source  *fakeSource
	bus     *events.Bus
	proc    *Processor
	job     models.Job
}

// newHarness creates a job in the given running status with one row per request.
func newHarness(t *testing.T, cfg config.Config, status models.JobStatus, reqs ...mapping.Request) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rows := make([]models.JobRow, len(reqs))
	for i, req := range reqs {
		raw, err := req.Marshal()
		require.NoError(t, err)
		key := fmt.Sprintf("row-%d", i+1)
		rows[i] = models.JobRow{RowNumber: i + 1, SourceKey: key, SourceChecksum: "sum-" + key, MappedRequest: raw}
	}
	rawMapping, err := json.Marshal(testMapping)
	require.NoError(t, err)
	job, err := st.CreateJob(ctx, models.Job{
		ID:      "job-1",
		Mode:    models.ModePreview,
		Status:  models.JobPending,
		Mapping: rawMapping,
	}, rows)
	require.NoError(t, err)

	switch status {
	case models.JobPreviewing:
		job, err = st.TransitionJob(ctx, job.ID, models.JobPreviewing, models.JobPending)
	case models.JobExecuting:
		job, err = st.BeginExecute(ctx, job.ID)
	}
	require.NoError(t, err)

	fc := newFakeCarrier()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	proc := NewProcessor(cfg, st, fc, nil, bus, zap.NewNop())
	proc.sleep = func(context.Context, time.Duration) error { return nil }
	return &harness{store: st, carrier: fc, source: newFakeSource(), bus: bus, proc: proc, job: job}
}

func (h *harness) target() Target {
	return Target{Mapping: testMapping, Writer: h.source, Checker: h.source}
}

func (h *harness) row(t *testing.T, n int) models.JobRow {
	t.Helper()
	r, err := h.store.GetRow(context.Background(), h.job.ID, n)
	require.NoError(t, err)
	return r
}

func (h *harness) process(t *testing.T, n int) {
	t.Helper()
	require.NoError(t, h.proc.Process(context.Background(), h.job, h.target(), h.row(t, n)))
}

func transient(msg string) error {
	return failure.New(failure.CarrierTransient, "", msg)
}

func TestQuoteRetriesTransientErrors(t *testing.T) {
	h := newHarness(t, testConfig(), models.JobPreviewing,
		mapping.Request{"ref": "a", "weight": "1"},
		mapping.Request{"ref": "b", "weight": "1"},
	)
	h.carrier.quoteErrs["a"] = []error{transient("busy"), transient("busy")}
	h.carrier.quoteErrs["b"] = []error{transient("busy"), transient("busy"), transient("busy"), nil}

	h.process(t, 1)
	h.process(t, 2)

	a := h.row(t, 1)
	assert.Equal(t, models.RowCompleted, a.Status)
	assert.Equal(t, 3, a.AttemptCount)
	require.NotNil(t, a.CostCents)
	assert.Equal(t, int64(1000), *a.CostCents)
	assert.Nil(t, a.TrackingID)
	assert.Equal(t, models.WriteBackNotApplicable, a.WriteBackStatus)

	b := h.row(t, 2)
	assert.Equal(t, models.RowFailed, b.Status)
	assert.Equal(t, 3, b.AttemptCount)
	require.NotNil(t, b.ErrorCode)
	assert.Equal(t, failure.CodeCarrierTransient, *b.ErrorCode)
	quotes, _ := h.carrier.calls("b")
	assert.Equal(t, 3, quotes)

	job, err := h.store.GetJob(context.Background(), h.job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.SuccessfulRows)
	assert.Equal(t, 1, job.FailedRows)
	assert.Equal(t, int64(1000), job.TotalCostCents)

	entries, err := h.store.ListAudit(context.Background(), h.job.ID, 0, 0)
	require.NoError(t, err)
	attempts := 0
	for _, e := range entries {
		if e.Action == models.AuditQuoteAttempt {
			attempts++
		}
	}
	assert.Equal(t, 6, attempts)
}

func TestQuoteDoesNotRetryPermanentErrors(t *testing.T) {
	h := newHarness(t, testConfig(), models.JobPreviewing, mapping.Request{"ref": "a", "weight": "1"})
	h.carrier.quoteErrs["a"] = []error{failure.New(failure.Validation, "BAD_ADDRESS", "unknown street")}

	h.process(t, 1)

	r := h.row(t, 1)
	assert.Equal(t, models.RowFailed, r.Status)
	assert.Equal(t, 1, r.AttemptCount)
	assert.Equal(t, "BAD_ADDRESS", *r.ErrorCode)
}

func TestExecuteIsNeverRetried(t *testing.T) {
	h := newHarness(t, testConfig(), models.JobExecuting,
		mapping.Request{"ref": "a", "weight": "1"},
		mapping.Request{"ref": "b", "weight": "1"},
	)
	h.carrier.execErrs["a"] = transient("bad gateway")
	h.carrier.execErrs["b"] = fmt.Errorf("post shipment: %w", context.DeadlineExceeded)

	h.process(t, 1)
	h.process(t, 2)

	for ref, n := range map[string]int{"a": 1, "b": 2} {
		_, executes := h.carrier.calls(ref)
		assert.Equal(t, 1, executes, ref)
		r := h.row(t, n)
		assert.Equal(t, models.RowFailed, r.Status, ref)
		assert.Equal(t, 1, r.AttemptCount, ref)
		assert.Nil(t, r.TrackingID, ref)
	}
	assert.Equal(t, failure.CodeCarrierTimeout, *h.row(t, 2).ErrorCode)
	_, writes := h.source.written("row-1")
	assert.False(t, writes)
}

func TestDataErrorSkipsRowWithoutCarrierCall(t *testing.T) {
	h := newHarness(t, testConfig(), models.JobPreviewing,
		mapping.Request{"ref": "a"},
		mapping.Request{"ref": "b", "weight": "heavy"},
	)

	h.process(t, 1)
	h.process(t, 2)

	for n, code := range map[int]string{1: "MISSING_FIELD", 2: "INVALID_NUMBER"} {
		r := h.row(t, n)
		assert.Equal(t, models.RowSkipped, r.Status)
		assert.Equal(t, 0, r.AttemptCount)
		require.NotNil(t, r.ErrorCode)
		assert.Equal(t, code, *r.ErrorCode)
	}
	quotes, _ := h.carrier.calls("a")
	assert.Zero(t, quotes)

	job, err := h.store.GetJob(context.Background(), h.job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, job.SkippedRows)
	assert.Equal(t, 0, job.PendingRows())
}

func TestExecuteWritesBack(t *testing.T) {
	h := newHarness(t, testConfig(), models.JobExecuting, mapping.Request{"ref": "a", "weight": "1"})

	h.process(t, 1)

	r := h.row(t, 1)
	assert.Equal(t, models.RowCompleted, r.Status)
	assert.Equal(t, "TRK-job-1:1", *r.TrackingID)
	assert.Equal(t, models.WriteBackWritten, r.WriteBackStatus)

	out, ok := h.source.written("row-1")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"tracking": "TRK-job-1:1", "cost": "11.00"}, out)
}

func TestChecksumMismatchBlocksWriteBack(t *testing.T) {
	h := newHarness(t, testConfig(), models.JobExecuting, mapping.Request{"ref": "a", "weight": "1"})
	h.source.live["row-1"] = "edited"

	h.process(t, 1)

	r := h.row(t, 1)
	assert.Equal(t, models.RowCompleted, r.Status)
	assert.NotNil(t, r.TrackingID)
	assert.Equal(t, models.WriteBackConflict, r.WriteBackStatus)
	_, ok := h.source.written("row-1")
	assert.False(t, ok)

	entries, err := h.store.ListAudit(context.Background(), h.job.ID, 0, 0)
	require.NoError(t, err)
	var verify *models.AuditLog
	for i := range entries {
		if entries[i].Action == models.AuditChecksumVerify {
			verify = &entries[i]
		}
	}
	require.NotNil(t, verify)
	assert.Equal(t, models.OutcomeConflict, verify.Outcome)
}

func TestChecksumReadErrors(t *testing.T) {
	cases := []struct {
		name     string
		liveErr  error
		writeErr error
		want     models.WriteBackStatus
		outcome  models.AuditOutcome
	}{
		{"locked file", errors.New("open orders.csv: resource temporarily unavailable"), nil, models.WriteBackWritten, models.OutcomeFailure},
		{"source down", errors.New("connection reset by peer"), errors.New("connection reset by peer"), models.WriteBackPending, models.OutcomeFailure},
		{"row deleted", fmt.Errorf("orders row %q: %w", "row-1", gateway.ErrRowNotFound), nil, models.WriteBackConflict, models.OutcomeConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, testConfig(), models.JobExecuting, mapping.Request{"ref": "a", "weight": "1"})
			h.source.liveErr = tc.liveErr
			h.source.err = tc.writeErr

			h.process(t, 1)

			r := h.row(t, 1)
			assert.Equal(t, models.RowCompleted, r.Status)
			assert.Equal(t, tc.want, r.WriteBackStatus)
			_, ok := h.source.written("row-1")
			assert.Equal(t, tc.want == models.WriteBackWritten, ok)

			entries, err := h.store.ListAudit(context.Background(), h.job.ID, 0, 0)
			require.NoError(t, err)
			var verify *models.AuditLog
			for i := range entries {
				if entries[i].Action == models.AuditChecksumVerify {
					verify = &entries[i]
				}
			}
			require.NotNil(t, verify)
			assert.Equal(t, tc.outcome, verify.Outcome)
		})
	}
}

func TestWriteBackOutcomes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want models.WriteBackStatus
	}{
		{"conflict", gateway.ErrConflict, models.WriteBackConflict},
		{"unavailable", errors.New("connection refused"), models.WriteBackPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, testConfig(), models.JobExecuting, mapping.Request{"ref": "a", "weight": "1"})
			h.source.err = tc.err

			h.process(t, 1)

			r := h.row(t, 1)
			assert.Equal(t, models.RowCompleted, r.Status)
			assert.Equal(t, tc.want, r.WriteBackStatus)

			// a later pass with a healthy source settles pending rows only
			h.source.err = nil
			require.NoError(t, h.proc.WriteBack(context.Background(), h.job.ID, h.target(), h.row(t, 1)))
			_, ok := h.source.written("row-1")
			assert.Equal(t, tc.want == models.WriteBackPending, ok)
		})
	}
}

func TestProcessIgnoresRowsNoLongerPending(t *testing.T) {
	h := newHarness(t, testConfig(), models.JobPreviewing, mapping.Request{"ref": "a", "weight": "1"})
	row := h.row(t, 1)
	ok, err := h.store.ClaimRow(context.Background(), h.job.ID, 1)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.proc.Process(context.Background(), h.job, h.target(), row))
	quotes, _ := h.carrier.calls("a")
	assert.Zero(t, quotes)
}
