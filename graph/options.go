package graph

import (
	"math/rand"
	"time"
)

// Options configures Engine execution behavior.
//
// Zero values are valid; the Engine uses sensible defaults.
type Options struct {
	// MaxSteps limits the number of nodes executed by a single Run, Resume or
	// RunFrom call. If 0, no limit is enforced.
	MaxSteps int

	// DefaultNodeTimeout bounds each node attempt unless the node's policy
	// overrides it. If 0, nodes run without a deadline.
	DefaultNodeTimeout time.Duration

	// Metrics receives step latency, retry and lifecycle observations.
	Metrics *PrometheusMetrics

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// rng drives retry jitter. Defaults to a time-seeded source.
	rng *rand.Rand
}

// Option configures an Engine using the functional options pattern.
//
// Example:
//
//	engine, err := graph.New(reducer, st, emitter,
//	    graph.WithMaxSteps(50),
//	    graph.WithDefaultNodeTimeout(30*time.Second),
//	)
type Option func(*engineConfig) error

type engineConfig struct {
	opts Options
}

// WithMaxSteps limits workflow execution to prevent infinite loops.
func WithMaxSteps(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return &EngineError{Message: "max steps cannot be negative", Code: "INVALID_OPTION"}
		}
		cfg.opts.MaxSteps = n
		return nil
	}
}

// WithDefaultNodeTimeout sets the per-attempt timeout for nodes without a policy.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return &EngineError{Message: "node timeout cannot be negative", Code: "INVALID_OPTION"}
		}
		cfg.opts.DefaultNodeTimeout = d
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Metrics = metrics
		return nil
	}
}

// WithClock overrides the time source used for checkpoint timestamps.
func WithClock(clock func() time.Time) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Clock = clock
		return nil
	}
}

// WithRetrySeed makes retry jitter deterministic.
func WithRetrySeed(seed int64) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.rng = rand.New(rand.NewSource(seed)) // #nosec G404 -- jitter for retry timing, not security
		return nil
	}
}
