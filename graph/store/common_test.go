package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestState is a simple state type for store tests.
type TestState struct {
	Value   string            `json:"value"`
	Counter int               `json:"counter"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testStoreContract runs the behavior every Store implementation must share.
func testStoreContract(t *testing.T, st Store[TestState]) {
	ctx := context.Background()
	prefix := fmt.Sprintf("contract-%d-", time.Now().UnixNano())

	t.Run("missing run returns ErrNotFound", func(t *testing.T) {
		_, err := st.Load(ctx, prefix+"missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("save then load round trips", func(t *testing.T) {
		runID := prefix + "roundtrip"
		want := Checkpoint[TestState]{
			RunID:       runID,
			NodeID:      "ask_confirmation",
			Step:        3,
			State:       TestState{Value: "pending", Counter: 25, Tags: map[string]string{"merchant": "Starbucks"}},
			Interrupted: true,
		}
		if err := st.Save(ctx, want); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		got, err := st.Load(ctx, runID)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if got.RunID != runID || got.NodeID != want.NodeID || got.Step != want.Step || !got.Interrupted {
			t.Errorf("checkpoint = %+v, want %+v", got, want)
		}
		if got.State.Value != "pending" || got.State.Counter != 25 || got.State.Tags["merchant"] != "Starbucks" {
			t.Errorf("state = %+v", got.State)
		}
		if got.UpdatedAt.IsZero() {
			t.Error("UpdatedAt should be set by the store")
		}
	})

	t.Run("save replaces previous checkpoint", func(t *testing.T) {
		runID := prefix + "replace"
		_ = st.Save(ctx, Checkpoint[TestState]{RunID: runID, NodeID: "a", Step: 1, State: TestState{Value: "one"}, Interrupted: true})
		_ = st.Save(ctx, Checkpoint[TestState]{RunID: runID, NodeID: "b", Step: 2, State: TestState{Value: "two"}})

		got, err := st.Load(ctx, runID)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if got.NodeID != "b" || got.State.Value != "two" || got.Interrupted {
			t.Errorf("expected second checkpoint, got %+v", got)
		}
	})

	t.Run("delete", func(t *testing.T) {
		runID := prefix + "delete"
		_ = st.Save(ctx, Checkpoint[TestState]{RunID: runID, NodeID: "a", State: TestState{Value: "x"}})

		if err := st.Delete(ctx, runID); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := st.Load(ctx, runID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := st.Delete(ctx, runID); err != nil {
			t.Errorf("deleting a missing checkpoint should succeed, got %v", err)
		}
	})

	t.Run("runs are independent", func(t *testing.T) {
		_ = st.Save(ctx, Checkpoint[TestState]{RunID: prefix + "s1", NodeID: "a", State: TestState{Value: "one"}})
		_ = st.Save(ctx, Checkpoint[TestState]{RunID: prefix + "s2", NodeID: "a", State: TestState{Value: "two"}})
		_ = st.Delete(ctx, prefix+"s1")

		got, err := st.Load(ctx, prefix+"s2")
		if err != nil || got.State.Value != "two" {
			t.Errorf("s2 affected by s1: %+v, %v", got, err)
		}
	})
}

// testLockerContract checks that a Locker serializes one key without blocking others.
func testLockerContract(t *testing.T, l Locker) {
	ctx := context.Background()
	key := fmt.Sprintf("lock-%d", time.Now().UnixNano())

	t.Run("serializes same key", func(t *testing.T) {
		var inside, maxInside int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := l.Lock(ctx, key)
				if err != nil {
					t.Errorf("Lock failed: %v", err)
					return
				}
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				unlock()
			}()
		}
		wg.Wait()

		if maxInside != 1 {
			t.Errorf("max concurrent holders = %d, want 1", maxInside)
		}
	})

	t.Run("different keys do not contend", func(t *testing.T) {
		unlockA, err := l.Lock(ctx, key+"-a")
		if err != nil {
			t.Fatal(err)
		}
		defer unlockA()

		tctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		unlockB, err := l.Lock(tctx, key+"-b")
		if err != nil {
			t.Fatalf("second key blocked: %v", err)
		}
		unlockB()
	})

	t.Run("waiting respects context", func(t *testing.T) {
		unlock, err := l.Lock(ctx, key+"-held")
		if err != nil {
			t.Fatal(err)
		}
		defer unlock()

		tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		if _, err := l.Lock(tctx, key+"-held"); err == nil {
			t.Error("expected lock on held key to fail when context expires")
		}
	})

	t.Run("unlock is idempotent", func(t *testing.T) {
		unlock, err := l.Lock(ctx, key+"-twice")
		if err != nil {
			t.Fatal(err)
		}
		unlock()
		unlock()

		tctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		again, err := l.Lock(tctx, key+"-twice")
		if err != nil {
			t.Fatalf("re-lock failed: %v", err)
		}
		again()
	})
}
