package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the orchestration layer.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Sandbox lifecycle metrics
	SandboxesCreated   *prometheus.CounterVec
	SandboxesDestroyed *prometheus.CounterVec
	SandboxesActive    prometheus.Gauge
	Reconnects         *prometheus.CounterVec

	// Command execution metrics
	CommandDuration *prometheus.HistogramVec
	CommandTimeouts *prometheus.CounterVec

	// Port exposure metrics
	PortTasks      *prometheus.CounterVec
	PortQueueDepth prometheus.Gauge

	// File watch metrics
	WatchEventsDispatched prometheus.Counter
	WatchEventsDropped    prometheus.Counter

	startTime time.Time
	Uptime    prometheus.Gauge
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandboxd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		SandboxesCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxd_sandboxes_created_total",
				Help: "Total number of sandboxes created",
			},
			[]string{"backend"},
		),
		SandboxesDestroyed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxd_sandboxes_destroyed_total",
				Help: "Total number of sandboxes destroyed",
			},
			[]string{"backend"},
		),
		SandboxesActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandboxd_sandboxes_active",
				Help: "Number of sandboxes tracked as active",
			},
		),
		Reconnects: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxd_sandbox_reconnects_total",
				Help: "Total number of sandbox reconnect attempts",
			},
			[]string{"backend", "outcome"},
		),

		CommandDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandboxd_command_duration_seconds",
				Help:    "Sandbox command execution duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"backend"},
		),
		CommandTimeouts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxd_command_timeouts_total",
				Help: "Total number of command executions killed at their deadline",
			},
			[]string{"backend"},
		),

		PortTasks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxd_port_tasks_total",
				Help: "Port exposure tasks by terminal outcome",
			},
			[]string{"outcome"},
		),
		PortQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandboxd_port_queue_depth",
				Help: "Number of port exposure tasks waiting in the queue",
			},
		),

		WatchEventsDispatched: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sandboxd_watch_events_dispatched_total",
				Help: "File watch events delivered to project callbacks",
			},
		),
		WatchEventsDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sandboxd_watch_events_dropped_total",
				Help: "File watch events dropped because the dispatch queue was full",
			},
		),

		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandboxd_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
	}

	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric.
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCommand records a completed command execution.
func (m *Metrics) RecordCommand(backend string, duration time.Duration, timedOut bool) {
	m.CommandDuration.WithLabelValues(backend).Observe(duration.Seconds())
	if timedOut {
		m.CommandTimeouts.WithLabelValues(backend).Inc()
	}
}

// RecordPortTask records a port exposure task reaching a terminal state.
func (m *Metrics) RecordPortTask(outcome string) {
	m.PortTasks.WithLabelValues(outcome).Inc()
}
