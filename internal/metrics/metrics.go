// Package metrics exposes Prometheus instrumentation for the job pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors on a private registry so multiple
// instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	JobsSubmittedTotal       *prometheus.CounterVec
	SubmissionsRejectedTotal *prometheus.CounterVec
	JobsCompletedTotal       *prometheus.CounterVec
	JobsFailedTotal          *prometheus.CounterVec
	JobRetriesTotal          *prometheus.CounterVec
	JobDuration              *prometheus.HistogramVec
	QueueDepth               prometheus.Gauge

	SSEConnections     prometheus.Gauge
	EventsSentTotal    *prometheus.CounterVec
	EventsDroppedTotal prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a Metrics with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		JobsSubmittedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_submitted_total",
				Help: "Total number of jobs accepted by the queue",
			},
			[]string{"kind"},
		),
		SubmissionsRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "submissions_rejected_total",
				Help: "Total number of rejected submissions",
			},
			[]string{"reason"},
		),
		JobsCompletedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_completed_total",
				Help: "Total number of jobs finished successfully",
			},
			[]string{"kind"},
		),
		JobsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_failed_total",
				Help: "Total number of jobs that failed terminally",
			},
			[]string{"category"},
		),
		JobRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "job_retries_total",
				Help: "Total number of retry attempts scheduled",
			},
			[]string{"category"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "job_duration_seconds",
				Help:    "Wall-clock duration of job executions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"kind"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Current number of queued jobs",
			},
		),
		SSEConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_connections",
				Help: "Number of open SSE connections",
			},
		),
		EventsSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_sent_total",
				Help: "Total number of events enqueued for delivery",
			},
			[]string{"type"},
		),
		EventsDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "events_dropped_total",
				Help: "Total number of events dropped from full connection queues",
			},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test assertions.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
