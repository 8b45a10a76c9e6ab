package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts capture outcomes (namespace "moniagent", subsystem "capture"):
//
//   - commits_total: records committed to the ledger.
//   - commit_failures_total: failed ledger commits.
//   - fallbacks_total: turns that ended in Fallback. Labels: reason.
//   - corrections_total: applied or rejected field corrections.
//     Labels: field, result (applied/rejected).
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	commits        prometheus.Counter
	commitFailures prometheus.Counter
	fallbacks      *prometheus.CounterVec
	corrections    *prometheus.CounterVec
}

// NewMetrics creates and registers capture metrics with registry.
// A nil registry uses prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		commits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "moniagent",
			Subsystem: "capture",
			Name:      "commits_total",
			Help:      "Expense records committed to the ledger",
		}),
		commitFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "moniagent",
			Subsystem: "capture",
			Name:      "commit_failures_total",
			Help:      "Failed ledger commits",
		}),
		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moniagent",
			Subsystem: "capture",
			Name:      "fallbacks_total",
			Help:      "Turns that ended without a pending or committed record",
		}, []string{"reason"}),
		corrections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moniagent",
			Subsystem: "capture",
			Name:      "corrections_total",
			Help:      "Field corrections requested by users",
		}, []string{"field", "result"}),
	}
}

func (m *Metrics) recordCommit() {
	if m == nil {
		return
	}
	m.commits.Inc()
}

func (m *Metrics) recordCommitFailure() {
	if m == nil {
		return
	}
	m.commitFailures.Inc()
}

func (m *Metrics) recordFallback(reason FailureKind) {
	if m == nil {
		return
	}
	if reason == FailureNone {
		reason = "unknown"
	}
	m.fallbacks.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) recordCorrection(field string, applied bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if applied {
		result = "applied"
	}
	m.corrections.WithLabelValues(field, result).Inc()
}
