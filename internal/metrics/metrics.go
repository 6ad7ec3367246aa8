// Package metrics exposes Prometheus instrumentation for the task pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors behind a dedicated registry.
type Metrics struct {
	Registry *prometheus.Registry

	SubmissionsTotal  *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ActiveExecutions  prometheus.Gauge
	RetriesTotal      prometheus.Counter
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codebox",
				Name:      "submissions_total",
				Help:      "Total accepted task submissions by language.",
			},
			[]string{"language"},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codebox",
				Name:      "executions_total",
				Help:      "Total finished executions by language and final state.",
			},
			[]string{"language", "state"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "codebox",
				Name:      "execution_duration_seconds",
				Help:      "Wall time of sandbox executions in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"language"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codebox",
				Name:      "active_executions",
				Help:      "Number of currently running sandbox containers.",
			},
		),

		RetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "codebox",
				Name:      "retries_total",
				Help:      "Total task attempts scheduled for retry.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codebox",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "codebox",
				Name:      "code_size_bytes",
				Help:      "Size of submitted source code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "codebox",
				Name:      "output_size_bytes",
				Help:      "Total bytes of collected output files per task.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.SubmissionsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.RetriesTotal,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordSubmission counts an accepted submission.
func (m *Metrics) RecordSubmission(language string, codeBytes int) {
	m.SubmissionsTotal.WithLabelValues(language).Inc()
	m.CodeSizeBytes.Observe(float64(codeBytes))
}

// RecordExecution counts one finished execution attempt.
func (m *Metrics) RecordExecution(language, state string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(language, state).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(durationSec)
}

// RecordRetry counts an attempt scheduled for redelivery.
func (m *Metrics) RecordRetry() {
	m.RetriesTotal.Inc()
}

// RecordOutputBytes observes the collected output volume of one task.
func (m *Metrics) RecordOutputBytes(total int64) {
	m.OutputSizeBytes.Observe(float64(total))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
