// Package store provides persistence implementations for graph checkpoints.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a run has no checkpoint, or its checkpoint expired.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Checkpoint is the persisted position of a run: the node it stopped at and
// the state it stopped with.
//
// A run has at most one checkpoint. Saving replaces the previous one.
type Checkpoint[S any] struct {
	// RunID identifies the run (for conversational workflows, the session).
	RunID string `json:"run_id"`

	// NodeID is the node that produced State.
	NodeID string `json:"node_id"`

	// Step is the engine step counter when the checkpoint was written.
	Step int `json:"step"`

	// State is the workflow state after NodeID completed.
	State S `json:"state"`

	// Interrupted marks a run suspended at NodeID awaiting external input.
	Interrupted bool `json:"interrupted"`

	// UpdatedAt is the time the checkpoint was written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists workflow checkpoints keyed by run ID.
//
// Implementations must be safe for concurrent use. Different run IDs never
// share state.
//
// Type parameter S is the state type to persist (must be JSON-serializable
// for the SQL and Redis implementations).
type Store[S any] interface {
	// Save writes the checkpoint for cp.RunID, replacing any previous one.
	Save(ctx context.Context, cp Checkpoint[S]) error

	// Load returns the checkpoint for runID, or ErrNotFound.
	Load(ctx context.Context, runID string) (Checkpoint[S], error)

	// Delete removes the checkpoint for runID. Deleting a missing
	// checkpoint is not an error.
	Delete(ctx context.Context, runID string) error
}

// Locker serializes work on a key across callers.
//
// Lock blocks until the key is acquired or ctx is done. The returned unlock
// function must be called exactly once; extra calls are no-ops.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LockingStore is a Store that can also serialize work per run.
type LockingStore[S any] interface {
	Store[S]
	Locker
}

// Option configures store behavior shared by all implementations.
type Option func(*options)

type options struct {
	ttl       time.Duration
	now       func() time.Time
	keyPrefix string
	lockTTL   time.Duration
	lockWait  time.Duration
}

func defaultOptions() options {
	return options{
		now:       time.Now,
		keyPrefix: "moniagent:session:",
		lockTTL:   30 * time.Second,
		lockWait:  25 * time.Millisecond,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTTL expires checkpoints that have not been written for d.
// Zero disables expiry.
func WithTTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

// WithClock overrides the time source used for UpdatedAt and expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithKeyPrefix sets the key namespace used by key-value backends.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.keyPrefix = prefix }
}

// WithLockTTL bounds how long a distributed lock survives a crashed holder.
func WithLockTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockTTL = d
		}
	}
}

func (o options) expired(updatedAt time.Time) bool {
	return o.ttl > 0 && o.now().Sub(updatedAt) > o.ttl
}
