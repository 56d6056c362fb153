package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the service. Construct
// once per registry; tests pass a fresh prometheus.NewRegistry to
// avoid duplicate registration.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Pipeline metrics
	PipelinesRunning prometheus.Gauge
	PipelineStarts   *prometheus.CounterVec
	PipelineStops    *prometheus.CounterVec
	PipelineCrashes  prometheus.Counter

	// Signal metrics
	SignalsEnqueued *prometheus.CounterVec
	SignalsRejected *prometheus.CounterVec

	// Record metrics
	RecordsPublished *prometheus.CounterVec
	RecordsEvicted   *prometheus.CounterVec

	// Bridge metrics
	SubscriptionsActive prometheus.Gauge
	MessagesDelivered   *prometheus.CounterVec
	MessagesDropped     *prometheus.CounterVec

	startTime time.Time
	Uptime    prometheus.Gauge
}

// NewMetrics creates a metrics collector registered on the given
// registerer. Pass prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visionflow_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "visionflow_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		PipelinesRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "visionflow_pipelines_running",
			Help: "Number of pipelines with an active worker",
		}),
		PipelineStarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visionflow_pipeline_starts_total",
				Help: "Pipeline start attempts by outcome",
			},
			[]string{"pipeline", "outcome"},
		),
		PipelineStops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visionflow_pipeline_stops_total",
				Help: "Pipeline stops by mode (clean or forced)",
			},
			[]string{"pipeline", "mode"},
		),
		PipelineCrashes: factory.NewCounter(prometheus.CounterOpts{
			Name: "visionflow_pipeline_crashes_total",
			Help: "Workers that terminated after an unhandled step failure",
		}),

		SignalsEnqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visionflow_signals_enqueued_total",
				Help: "Signals accepted onto worker queues",
			},
			[]string{"pipeline", "priority"},
		),
		SignalsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visionflow_signals_rejected_total",
				Help: "Signals rejected (closed queue or undeclared name)",
			},
			[]string{"pipeline", "reason"},
		),

		RecordsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visionflow_records_published_total",
				Help: "Records appended to topic buffers",
			},
			[]string{"pipeline", "topic"},
		),
		RecordsEvicted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visionflow_records_evicted_total",
				Help: "Records evicted from topic buffers",
			},
			[]string{"pipeline", "topic"},
		),

		SubscriptionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "visionflow_subscriptions_active",
			Help: "Live subscriber connections",
		}),
		MessagesDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visionflow_messages_delivered_total",
				Help: "Messages delivered to subscribers by type",
			},
			[]string{"type"},
		),
		MessagesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visionflow_messages_dropped_total",
				Help: "Data messages dropped for slow subscribers",
			},
			[]string{"pipeline"},
		),

		Uptime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "visionflow_uptime_seconds",
			Help: "Service uptime in seconds",
		}),
	}

	return m
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}
