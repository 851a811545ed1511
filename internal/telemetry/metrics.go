package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_jobs_created_total", Help: "Batch jobs created"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	JobsFinished     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "batch_jobs_finished_total", Help: "Job runs that reached a final status"}, []string{"mode", "status"})
	JobsHalted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_jobs_halted_total", Help: "Job runs halted by a system error"})
	RowsProcessed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "batch_rows_processed_total", Help: "Rows that reached a terminal status"}, []string{"mode", "status"})
	CarrierCalls     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "batch_carrier_calls_total", Help: "Carrier calls by operation and outcome"}, []string{"operation", "outcome"})
	CarrierLatency   = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "batch_carrier_call_seconds", Help: "Carrier call latency", Buckets: prometheus.DefBuckets}, []string{"operation"})
	WriteBacks       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "batch_writebacks_total", Help: "Write-back attempts by outcome"}, []string{"outcome"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "batch_rows_inflight", Help: "Rows currently being processed"})
	RunningJobs      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "batch_jobs_running", Help: "Jobs with an active scheduler in this process"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			RateLimitRejects,
			JobsFinished,
			JobsHalted,
			RowsProcessed,
			CarrierCalls,
			CarrierLatency,
			WriteBacks,
			InFlightGauge,
			RunningJobs,
		)
	})
	return promhttp.Handler()
}
