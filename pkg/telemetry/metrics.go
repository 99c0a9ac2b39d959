package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for rollwave runs.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram

	// Change metrics
	changesExecuted *prometheus.CounterVec
	changeDuration  *prometheus.HistogramVec

	// Step metrics
	stepDuration *prometheus.HistogramVec

	// Poll metrics
	pollAttempts *prometheus.CounterVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	// Remote execution metrics
	remoteCommands *prometheus.CounterVec
	remoteDuration prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of upgrade runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of upgrade runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of upgrade runs in seconds",
				Buckets:   buckets,
			},
		),
		changesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "changes_executed_total",
				Help:      "Total number of changes executed",
			},
			[]string{"type", "status"},
		),
		changeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "change_duration_seconds",
				Help:      "Duration of individual change execution in seconds",
				Buckets:   buckets,
			},
			[]string{"type"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of procedure steps in seconds",
				Buckets:   buckets,
			},
			[]string{"step"},
		),
		pollAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_attempts_total",
				Help:      "Total number of state poll probe attempts",
			},
			[]string{"probe"},
		),
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by kind",
			},
			[]string{"kind"},
		),
		remoteCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_commands_total",
				Help:      "Total number of remote commands executed",
			},
			[]string{"status"},
		),
		remoteDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_command_duration_seconds",
				Help:      "Duration of remote command execution in seconds",
				Buckets:   buckets,
			},
		),
	}

	collectors := []prometheus.Collector{
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.changesExecuted,
		m.changeDuration,
		m.stepDuration,
		m.pollAttempts,
		m.errorsByKind,
		m.remoteCommands,
		m.remoteDuration,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// RunStarted records the start of an upgrade run.
func (m *Metrics) RunStarted() {
	if m.registry == nil {
		return
	}
	m.runsStarted.Inc()
}

// RunCompleted records a completed upgrade run.
func (m *Metrics) RunCompleted(status string, d time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
}

// ChangeExecuted records a completed change.
func (m *Metrics) ChangeExecuted(changeType, status string, d time.Duration) {
	if m.registry == nil {
		return
	}
	m.changesExecuted.WithLabelValues(changeType, status).Inc()
	m.changeDuration.WithLabelValues(changeType).Observe(d.Seconds())
}

// StepObserved records the duration of a procedure step.
func (m *Metrics) StepObserved(step string, d time.Duration) {
	if m.registry == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// PollAttempt records one probe attempt of a poll loop.
func (m *Metrics) PollAttempt(probe string) {
	if m.registry == nil {
		return
	}
	m.pollAttempts.WithLabelValues(probe).Inc()
}

// ErrorRecorded records an error by taxonomy kind.
func (m *Metrics) ErrorRecorded(kind string) {
	if m.registry == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// RemoteCommand records a remote command execution.
func (m *Metrics) RemoteCommand(status string, d time.Duration) {
	if m.registry == nil {
		return
	}
	m.remoteCommands.WithLabelValues(status).Inc()
	m.remoteDuration.Observe(d.Seconds())
}

// Handler returns an HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics HTTP listener. It blocks until the server stops.
func (m *Metrics) Serve() error {
	if m.registry == nil {
		return nil
	}
	mux := http.NewServeMux()
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, m.Handler())
	return http.ListenAndServe(m.config.ListenAddress, mux)
}
