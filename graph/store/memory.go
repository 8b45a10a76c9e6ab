package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemStore is an in-memory implementation of Store[S] and Locker.
//
// Designed for:
//   - Testing and development
//   - Single-process deployments where sessions may be lost on restart
//
// Checkpoints are stored JSON-encoded so callers never share memory with the
// store: mutating a loaded state does not affect the stored copy.
//
// Expired checkpoints are dropped lazily on Load and in bulk by Sweep.
type MemStore[S any] struct {
	KeyedMutex

	mu          sync.RWMutex
	checkpoints map[string]memEntry
	opts        options
}

type memEntry struct {
	data []byte
	cp   Checkpoint[struct{}]
}

// NewMemStore creates a new in-memory store.
//
// Example:
//
//	st := store.NewMemStore[MyState](store.WithTTL(30 * time.Minute))
//	engine, _ := graph.New(reducer, st, emitter)
func NewMemStore[S any](opts ...Option) *MemStore[S] {
	return &MemStore[S]{
		checkpoints: make(map[string]memEntry),
		opts:        applyOptions(opts),
	}
}

// Save writes the checkpoint for cp.RunID.
func (m *MemStore[S]) Save(_ context.Context, cp Checkpoint[S]) error {
	data, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	meta := Checkpoint[struct{}]{
		RunID:       cp.RunID,
		NodeID:      cp.NodeID,
		Step:        cp.Step,
		Interrupted: cp.Interrupted,
		UpdatedAt:   m.opts.now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.RunID] = memEntry{data: data, cp: meta}
	return nil
}

// Load returns the checkpoint for runID, or ErrNotFound.
func (m *MemStore[S]) Load(_ context.Context, runID string) (Checkpoint[S], error) {
	m.mu.RLock()
	entry, ok := m.checkpoints[runID]
	m.mu.RUnlock()

	if !ok {
		return Checkpoint[S]{}, ErrNotFound
	}
	if m.opts.expired(entry.cp.UpdatedAt) {
		m.mu.Lock()
		if current, still := m.checkpoints[runID]; still && current.cp.UpdatedAt.Equal(entry.cp.UpdatedAt) {
			delete(m.checkpoints, runID)
		}
		m.mu.Unlock()
		return Checkpoint[S]{}, ErrNotFound
	}

	var state S
	if err := json.Unmarshal(entry.data, &state); err != nil {
		return Checkpoint[S]{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return Checkpoint[S]{
		RunID:       entry.cp.RunID,
		NodeID:      entry.cp.NodeID,
		Step:        entry.cp.Step,
		State:       state,
		Interrupted: entry.cp.Interrupted,
		UpdatedAt:   entry.cp.UpdatedAt,
	}, nil
}

// Delete removes the checkpoint for runID.
func (m *MemStore[S]) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, runID)
	return nil
}

// Sweep removes every expired checkpoint and reports how many were dropped.
func (m *MemStore[S]) Sweep(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for runID, entry := range m.checkpoints {
		if m.opts.expired(entry.cp.UpdatedAt) {
			delete(m.checkpoints, runID)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored checkpoints, expired or not.
func (m *MemStore[S]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.checkpoints)
}
