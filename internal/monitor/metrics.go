package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the execution engine.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal     *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	ActiveExecutions    prometheus.Gauge
	CapacityRejections  prometheus.Counter
	ValidatorRejections *prometheus.CounterVec
	Cancellations       prometheus.Counter
	LedgerWriteFailures prometheus.Counter
	PolicyReloads       *prometheus.CounterVec
	RequestsInFlight    prometheus.Gauge
	CodeSizeBytes       prometheus.Histogram
	OutputSizeBytes     prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codelab",
				Name:      "executions_total",
				Help:      "Total number of executions by language and status.",
			},
			[]string{"language", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "codelab",
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"language"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codelab",
				Name:      "active_executions",
				Help:      "Number of currently running executions.",
			},
		),

		CapacityRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "codelab",
				Name:      "capacity_rejections_total",
				Help:      "Submissions rejected because the worker pool and queue were full.",
			},
		),

		ValidatorRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codelab",
				Name:      "validator_rejections_total",
				Help:      "Submissions rejected by the static validator, by reason.",
			},
			[]string{"reason"},
		),

		Cancellations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "codelab",
				Name:      "cancellations_total",
				Help:      "Executions cancelled by caller request.",
			},
		),

		LedgerWriteFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "codelab",
				Name:      "ledger_write_failures_total",
				Help:      "Tracked executions whose ledger append failed.",
			},
		),

		PolicyReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codelab",
				Name:      "policy_reloads_total",
				Help:      "Security policy reload attempts by outcome.",
			},
			[]string{"outcome"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codelab",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "codelab",
				Name:      "code_size_bytes",
				Help:      "Size of submitted source in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "codelab",
				Name:      "output_size_bytes",
				Help:      "Size of captured output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.CapacityRejections,
		m.ValidatorRejections,
		m.Cancellations,
		m.LedgerWriteFailures,
		m.PolicyReloads,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(language, status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(durationSec)
}

// RecordValidatorRejection counts a static validation rejection by reason.
func (m *Metrics) RecordValidatorRejection(reason string) {
	m.ValidatorRejections.WithLabelValues(reason).Inc()
}

// RecordPolicyReload counts a reload attempt: "applied" or "rejected".
func (m *Metrics) RecordPolicyReload(outcome string) {
	m.PolicyReloads.WithLabelValues(outcome).Inc()
}
