package supervisor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dontdude/classifyd/internal/domain"
)

// MetricsCollector defines the interface for collecting supervisor metrics
type MetricsCollector interface {
	// StateTransition records a request moving between lifecycle states
	StateTransition(from, to domain.State)

	// RequestFinished records the terminal state and total duration of a request
	RequestFinished(state domain.State, duration time.Duration)

	// WorkerStarted records a worker entering the running state
	WorkerStarted()

	// WorkerExited records a worker leaving the running state
	WorkerExited()
}

type noopMetricsCollector struct{}

func (noopMetricsCollector) StateTransition(from, to domain.State)               {}
func (noopMetricsCollector) RequestFinished(state domain.State, d time.Duration) {}
func (noopMetricsCollector) WorkerStarted()                                      {}
func (noopMetricsCollector) WorkerExited()                                       {}

// NewNoopMetricsCollector creates a no-op metrics collector
func NewNoopMetricsCollector() MetricsCollector {
	return noopMetricsCollector{}
}

// PrometheusMetrics implements MetricsCollector using Prometheus metrics
type PrometheusMetrics struct {
	transitions *prometheus.CounterVec
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	running     prometheus.Gauge
}

// Check if PrometheusMetrics implements MetricsCollector
var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates the collector and registers it with reg.
func NewPrometheusMetrics(namespace string, reg prometheus.Registerer) *PrometheusMetrics {
	if namespace == "" {
		namespace = "classifyd"
	}

	m := &PrometheusMetrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_state_transitions_total",
				Help:      "Total number of request lifecycle state transitions",
			},
			[]string{"from_state", "to_state"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of supervised requests by terminal state",
			},
			[]string{"state"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time from launch to report of supervised requests",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"state"},
		),
		running: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_running",
				Help:      "Number of isolated workers currently running",
			},
		),
	}

	reg.MustRegister(m.transitions, m.requests, m.duration, m.running)
	return m
}

func (m *PrometheusMetrics) StateTransition(from, to domain.State) {
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *PrometheusMetrics) RequestFinished(state domain.State, d time.Duration) {
	m.requests.WithLabelValues(state.String()).Inc()
	m.duration.WithLabelValues(state.String()).Observe(d.Seconds())
}

func (m *PrometheusMetrics) WorkerStarted() {
	m.running.Inc()
}

func (m *PrometheusMetrics) WorkerExited() {
	m.running.Dec()
}
