package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the orchestration engine.
type Metrics struct {
	registry *prometheus.Registry

	// Job metrics
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobRetries    *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec

	// Allocator metrics
	portPairsHeld prometheus.Gauge
	allocFailures *prometheus.CounterVec

	// Adapter metrics
	hypervisorCalls    *prometheus.CounterVec
	hypervisorDuration *prometheus.HistogramVec

	// Background loop metrics
	reconcilePurges prometheus.Counter
	janitorForced   prometheus.Counter
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		jobsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "proximity",
				Name:      "jobs_started_total",
				Help:      "Total number of jobs started",
			},
			[]string{"operation"},
		),
		jobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "proximity",
				Name:      "jobs_completed_total",
				Help:      "Total number of jobs finished, by outcome",
			},
			[]string{"operation", "status"},
		),
		jobRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "proximity",
				Name:      "job_retries_total",
				Help:      "Total number of job retry reschedules",
			},
			[]string{"operation"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "proximity",
				Name:      "job_duration_seconds",
				Help:      "Duration of job attempts in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"operation"},
		),
		portPairsHeld: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "proximity",
				Name:      "port_pairs_held",
				Help:      "Current number of allocated port pairs",
			},
		),
		allocFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "proximity",
				Name:      "allocation_failures_total",
				Help:      "Total allocator failures, by pool and fault class",
			},
			[]string{"pool", "class"},
		),
		hypervisorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "proximity",
				Name:      "hypervisor_calls_total",
				Help:      "Total hypervisor adapter calls, by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		hypervisorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "proximity",
				Name:      "hypervisor_call_duration_seconds",
				Help:      "Duration of hypervisor adapter calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		reconcilePurges: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "proximity",
				Name:      "reconcile_purges_total",
				Help:      "Total ledger instances purged by the reconciler",
			},
		),
		janitorForced: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "proximity",
				Name:      "janitor_forced_errors_total",
				Help:      "Total stuck instances forced to error by the janitor",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsStarted,
		m.jobsCompleted,
		m.jobRetries,
		m.jobDuration,
		m.portPairsHeld,
		m.allocFailures,
		m.hypervisorCalls,
		m.hypervisorDuration,
		m.reconcilePurges,
		m.janitorForced,
	)

	return m
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// JobStarted records a job attempt starting.
func (m *Metrics) JobStarted(operation string) {
	m.jobsStarted.WithLabelValues(operation).Inc()
}

// JobCompleted records a job finishing with the given terminal status.
func (m *Metrics) JobCompleted(operation, status string, duration time.Duration) {
	m.jobsCompleted.WithLabelValues(operation, status).Inc()
	m.jobDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// JobRetried records a retry reschedule.
func (m *Metrics) JobRetried(operation string) {
	m.jobRetries.WithLabelValues(operation).Inc()
}

// SetPortPairsHeld records current allocator occupancy.
func (m *Metrics) SetPortPairsHeld(n int) {
	m.portPairsHeld.Set(float64(n))
}

// AllocationFailed records an allocator failure.
func (m *Metrics) AllocationFailed(pool, class string) {
	m.allocFailures.WithLabelValues(pool, class).Inc()
}

// HypervisorCall records one adapter call.
func (m *Metrics) HypervisorCall(operation, outcome string, duration time.Duration) {
	m.hypervisorCalls.WithLabelValues(operation, outcome).Inc()
	m.hypervisorDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ReconcilePurged records one reconciler purge.
func (m *Metrics) ReconcilePurged() {
	m.reconcilePurges.Inc()
}

// JanitorForcedError records one janitor intervention.
func (m *Metrics) JanitorForcedError() {
	m.janitorForced.Inc()
}
