package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects engine execution metrics.
//
// Metrics exposed (namespace "moniagent", subsystem "graph"):
//
//  1. step_latency_ms (histogram): node attempt duration.
//     Labels: node_id, status (success/error/timeout).
//  2. retries_total (counter): retry attempts. Labels: node_id.
//  3. interrupts_total (counter): runs suspended. Labels: node_id.
//  4. resumes_total (counter): suspended runs resumed. Labels: node_id.
//  5. runs_total (counter): finished Run/Resume/RunFrom calls.
//     Labels: status (completed/interrupted/error).
//
// Run IDs are deliberately not used as labels: they are per-session and
// unbounded.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	engine, _ := graph.New(reducer, st, emitter, graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	stepLatency *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	interrupts  *prometheus.CounterVec
	resumes     *prometheus.CounterVec
	runs        *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers all engine metrics with registry.
// A nil registry uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &PrometheusMetrics{
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "moniagent",
			Subsystem: "graph",
			Name:      "step_latency_ms",
			Help:      "Node attempt duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
		}, []string{"node_id", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moniagent",
			Subsystem: "graph",
			Name:      "retries_total",
			Help:      "Node retry attempts",
		}, []string{"node_id"}),
		interrupts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moniagent",
			Subsystem: "graph",
			Name:      "interrupts_total",
			Help:      "Runs suspended awaiting external input",
		}, []string{"node_id"}),
		resumes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moniagent",
			Subsystem: "graph",
			Name:      "resumes_total",
			Help:      "Suspended runs resumed",
		}, []string{"node_id"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moniagent",
			Subsystem: "graph",
			Name:      "runs_total",
			Help:      "Engine invocations by final status",
		}, []string{"status"}),
	}
}

// RecordStepLatency observes one node attempt.
func (pm *PrometheusMetrics) RecordStepLatency(nodeID string, latency time.Duration, status string) {
	if pm == nil {
		return
	}
	pm.stepLatency.WithLabelValues(nodeID, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries counts a retry of nodeID.
func (pm *PrometheusMetrics) IncrementRetries(nodeID string) {
	if pm == nil {
		return
	}
	pm.retries.WithLabelValues(nodeID).Inc()
}

// RecordInterrupt counts a run suspended at nodeID.
func (pm *PrometheusMetrics) RecordInterrupt(nodeID string) {
	if pm == nil {
		return
	}
	pm.interrupts.WithLabelValues(nodeID).Inc()
}

// RecordResume counts a run resumed from nodeID.
func (pm *PrometheusMetrics) RecordResume(nodeID string) {
	if pm == nil {
		return
	}
	pm.resumes.WithLabelValues(nodeID).Inc()
}

// RecordRun counts a finished engine invocation.
func (pm *PrometheusMetrics) RecordRun(status string) {
	if pm == nil {
		return
	}
	pm.runs.WithLabelValues(status).Inc()
}
