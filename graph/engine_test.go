package graph

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/huytu0702/moniagent-sub000/graph/emit"
	"github.com/huytu0702/moniagent-sub000/graph/store"
)

type testState struct {
	Visited []string `json:"visited"`
	Answer  string   `json:"answer"`
	Done    bool     `json:"done"`
}

func visit(id string, route Next) NodeFunc[testState] {
	return func(_ context.Context, s testState) NodeResult[testState] {
		s.Visited = append(append([]string(nil), s.Visited...), id)
		return NodeResult[testState]{Delta: s, Route: route}
	}
}

func newTestEngine(t *testing.T, st store.Store[testState], opts ...Option) *Engine[testState] {
	t.Helper()
	if st == nil {
		st = store.NewMemStore[testState]()
	}
	engine, err := New(Replace[testState], st, emit.NewNullEmitter(), opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return engine
}

func mustAdd(t *testing.T, e *Engine[testState], id string, n Node[testState]) {
	t.Helper()
	if err := e.Add(id, n); err != nil {
		t.Fatalf("Add(%q) failed: %v", id, err)
	}
}

func TestNew_Validation(t *testing.T) {
	st := store.NewMemStore[testState]()

	tests := []struct {
		name    string
		reducer Reducer[testState]
		store   store.Store[testState]
		opts    []Option
		code    string
	}{
		{name: "missing reducer", store: st, code: "MISSING_REDUCER"},
		{name: "missing store", reducer: Replace[testState], code: "MISSING_STORE"},
		{name: "negative max steps", reducer: Replace[testState], store: st, opts: []Option{WithMaxSteps(-1)}, code: "INVALID_OPTION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.reducer, tt.store, nil, tt.opts...)
			var engErr *EngineError
			if !errors.As(err, &engErr) {
				t.Fatalf("expected EngineError, got %v", err)
			}
			if engErr.Code != tt.code {
				t.Errorf("code = %q, want %q", engErr.Code, tt.code)
			}
		})
	}
}

func TestEngine_GraphConstruction(t *testing.T) {
	t.Run("rejects duplicate and empty node IDs", func(t *testing.T) {
		e := newTestEngine(t, nil)
		mustAdd(t, e, "a", visit("a", Stop()))

		if err := e.Add("a", visit("a", Stop())); err == nil {
			t.Error("expected duplicate node error")
		}
		if err := e.Add("", visit("x", Stop())); err == nil {
			t.Error("expected empty ID error")
		}
		if err := e.Add("nil", nil); err == nil {
			t.Error("expected nil node error")
		}
	})

	t.Run("start node must exist", func(t *testing.T) {
		e := newTestEngine(t, nil)
		if err := e.StartAt("missing"); err == nil {
			t.Error("expected error for unknown start node")
		}
	})

	t.Run("run without start node", func(t *testing.T) {
		e := newTestEngine(t, nil)
		_, err := e.Run(context.Background(), "r1", testState{})
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != "NO_START_NODE" {
			t.Errorf("expected NO_START_NODE, got %v", err)
		}
	})

	t.Run("rejects invalid retry policy", func(t *testing.T) {
		e := newTestEngine(t, nil)
		err := e.Add("a", WithPolicy[testState](visit("a", Stop()), NodePolicy{
			RetryPolicy: &RetryPolicy{MaxAttempts: 0},
		}))
		if !errors.Is(err, ErrInvalidRetryPolicy) {
			t.Errorf("expected ErrInvalidRetryPolicy, got %v", err)
		}
	})
}

func TestEngine_RunToCompletion(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[testState]()
	e := newTestEngine(t, st)

	mustAdd(t, e, "a", visit("a", Next{}))
	mustAdd(t, e, "b", visit("b", Next{}))
	mustAdd(t, e, "c", visit("c", Stop()))
	_ = e.StartAt("a")
	_ = e.Connect("a", "b", nil)
	_ = e.Connect("b", "c", nil)

	res, err := e.Run(ctx, "r1", testState{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", res.Status)
	}
	if got := res.State.Visited; len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("visited = %v, want [a b c]", got)
	}
	if res.Steps != 3 {
		t.Errorf("steps = %d, want 3", res.Steps)
	}
	if _, err := st.Load(ctx, "r1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("completed run should leave no checkpoint, got %v", err)
	}
}

func TestEngine_InterruptAndResume(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[testState]()
	e := newTestEngine(t, st)

	var firstRuns int32
	mustAdd(t, e, "first", NodeFunc[testState](func(_ context.Context, s testState) NodeResult[testState] {
		atomic.AddInt32(&firstRuns, 1)
		s.Visited = append(s.Visited, "first")
		return NodeResult[testState]{Delta: s}
	}))
	mustAdd(t, e, "ask", visit("ask", Interrupt()))
	mustAdd(t, e, "apply", NodeFunc[testState](func(_ context.Context, s testState) NodeResult[testState] {
		s.Visited = append(s.Visited, "apply:"+s.Answer)
		s.Done = true
		return NodeResult[testState]{Delta: s, Route: Stop()}
	}))
	_ = e.StartAt("first")
	_ = e.Connect("first", "ask", nil)
	_ = e.Connect("ask", "apply", nil)

	res, err := e.Run(ctx, "session-1", testState{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Interrupted() || res.NodeID != "ask" {
		t.Fatalf("expected interrupt at ask, got %+v", res)
	}

	cp, err := st.Load(ctx, "session-1")
	if err != nil {
		t.Fatalf("expected checkpoint after interrupt: %v", err)
	}
	if !cp.Interrupted || cp.NodeID != "ask" {
		t.Errorf("checkpoint = %+v, want interrupted at ask", cp)
	}

	res, err = e.Resume(ctx, "session-1", func(s testState) testState {
		s.Answer = "yes"
		return s
	})
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if res.Status != StatusCompleted || !res.State.Done {
		t.Fatalf("expected completion, got %+v", res)
	}
	want := []string{"first", "ask", "apply:yes"}
	if len(res.State.Visited) != len(want) {
		t.Fatalf("visited = %v, want %v", res.State.Visited, want)
	}
	for i := range want {
		if res.State.Visited[i] != want[i] {
			t.Errorf("visited[%d] = %q, want %q", i, res.State.Visited[i], want[i])
		}
	}
	if got := atomic.LoadInt32(&firstRuns); got != 1 {
		t.Errorf("first node ran %d times, want 1", got)
	}

	if _, err := e.Resume(ctx, "session-1", nil); !errors.Is(err, ErrNotInterrupted) {
		t.Errorf("second resume: expected ErrNotInterrupted, got %v", err)
	}
}

func TestEngine_ResumeConsumesSuspensionBeforeRunning(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[testState]()
	e := newTestEngine(t, st)

	mustAdd(t, e, "ask", visit("ask", Interrupt()))
	mustAdd(t, e, "fail", NodeFunc[testState](func(context.Context, testState) NodeResult[testState] {
		return NodeResult[testState]{Err: errors.New("boom")}
	}))
	_ = e.StartAt("ask")
	_ = e.Connect("ask", "fail", nil)

	if _, err := e.Run(ctx, "r1", testState{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, err := e.Resume(ctx, "r1", nil); err == nil {
		t.Fatal("expected node failure")
	}

	cp, err := st.Load(ctx, "r1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cp.Interrupted {
		t.Error("suspension should be consumed even when the resumed path fails")
	}
	if _, err := e.Resume(ctx, "r1", nil); !errors.Is(err, ErrNotInterrupted) {
		t.Errorf("expected ErrNotInterrupted, got %v", err)
	}
}

func TestEngine_ResumeUnknownRun(t *testing.T) {
	e := newTestEngine(t, nil)
	mustAdd(t, e, "a", visit("a", Stop()))
	_ = e.StartAt("a")

	if _, err := e.Resume(context.Background(), "nope", nil); !errors.Is(err, ErrNotInterrupted) {
		t.Errorf("expected ErrNotInterrupted, got %v", err)
	}
}

func TestEngine_RoutingPrecedence(t *testing.T) {
	ctx := context.Background()

	build := func(t *testing.T, startRoute Next) *Engine[testState] {
		e := newTestEngine(t, nil)
		mustAdd(t, e, "start", visit("start", startRoute))
		mustAdd(t, e, "by-edge", visit("by-edge", Stop()))
		mustAdd(t, e, "by-router", visit("by-router", Stop()))
		mustAdd(t, e, "explicit", visit("explicit", Stop()))
		_ = e.StartAt("start")
		_ = e.Connect("start", "by-edge", nil)
		return e
	}

	last := func(s testState) string { return s.Visited[len(s.Visited)-1] }

	t.Run("edges when nothing else decides", func(t *testing.T) {
		e := build(t, Next{})
		res, err := e.Run(ctx, "r", testState{})
		if err != nil {
			t.Fatal(err)
		}
		if last(res.State) != "by-edge" {
			t.Errorf("ended at %q, want by-edge", last(res.State))
		}
	})

	t.Run("router beats edges", func(t *testing.T) {
		e := build(t, Next{})
		e.RouteWith(func(from string, _ testState) Next {
			if from == "start" {
				return Goto("by-router")
			}
			return Next{}
		})
		res, err := e.Run(ctx, "r", testState{})
		if err != nil {
			t.Fatal(err)
		}
		if last(res.State) != "by-router" {
			t.Errorf("ended at %q, want by-router", last(res.State))
		}
	})

	t.Run("explicit route beats router", func(t *testing.T) {
		e := build(t, Goto("explicit"))
		e.RouteWith(func(string, testState) Next { return Goto("by-router") })
		res, err := e.Run(ctx, "r", testState{})
		if err != nil {
			t.Fatal(err)
		}
		if last(res.State) != "explicit" {
			t.Errorf("ended at %q, want explicit", last(res.State))
		}
	})

	t.Run("router can terminate", func(t *testing.T) {
		e := build(t, Next{})
		e.RouteWith(func(string, testState) Next { return Stop() })
		res, err := e.Run(ctx, "r", testState{})
		if err != nil {
			t.Fatal(err)
		}
		if last(res.State) != "start" || res.Status != StatusCompleted {
			t.Errorf("expected to stop after start, got %+v", res)
		}
	})
}

func TestEngine_NoRoute(t *testing.T) {
	e := newTestEngine(t, nil)
	mustAdd(t, e, "a", visit("a", Next{}))
	_ = e.StartAt("a")

	_, err := e.Run(context.Background(), "r1", testState{})
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != "NO_ROUTE" {
		t.Errorf("expected NO_ROUTE, got %v", err)
	}
}

func TestEngine_MaxSteps(t *testing.T) {
	e := newTestEngine(t, nil, WithMaxSteps(5))
	mustAdd(t, e, "loop", visit("loop", Goto("loop")))
	_ = e.StartAt("loop")

	_, err := e.Run(context.Background(), "r1", testState{})
	if !errors.Is(err, ErrMaxStepsExceeded) {
		t.Errorf("expected ErrMaxStepsExceeded, got %v", err)
	}
}

func TestEngine_ContextCancelled(t *testing.T) {
	e := newTestEngine(t, nil)
	mustAdd(t, e, "a", visit("a", Stop()))
	_ = e.StartAt("a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.Run(ctx, "r1", testState{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

var errTransient = errors.New("transient")

func TestEngine_Retry(t *testing.T) {
	retryable := func(err error) bool { return errors.Is(err, errTransient) }

	t.Run("succeeds after transient failures", func(t *testing.T) {
		e := newTestEngine(t, nil, WithRetrySeed(1))
		var calls int32
		node := NodeFunc[testState](func(_ context.Context, s testState) NodeResult[testState] {
			if atomic.AddInt32(&calls, 1) < 3 {
				return NodeResult[testState]{Err: errTransient}
			}
			s.Done = true
			return NodeResult[testState]{Delta: s, Route: Stop()}
		})
		mustAdd(t, e, "flaky", WithPolicy[testState](node, NodePolicy{
			RetryPolicy: &RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Retryable: retryable},
		}))
		_ = e.StartAt("flaky")

		res, err := e.Run(context.Background(), "r1", testState{})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if !res.State.Done || atomic.LoadInt32(&calls) != 3 {
			t.Errorf("done=%v calls=%d, want true/3", res.State.Done, calls)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		e := newTestEngine(t, nil, WithRetrySeed(1))
		var calls int32
		node := NodeFunc[testState](func(context.Context, testState) NodeResult[testState] {
			atomic.AddInt32(&calls, 1)
			return NodeResult[testState]{Err: errTransient}
		})
		mustAdd(t, e, "flaky", WithPolicy[testState](node, NodePolicy{
			RetryPolicy: &RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Retryable: retryable},
		}))
		_ = e.StartAt("flaky")

		_, err := e.Run(context.Background(), "r1", testState{})
		if !errors.Is(err, ErrMaxAttemptsExceeded) || !errors.Is(err, errTransient) {
			t.Errorf("expected ErrMaxAttemptsExceeded wrapping errTransient, got %v", err)
		}
		var nodeErr *NodeError
		if !errors.As(err, &nodeErr) || nodeErr.NodeID != "flaky" {
			t.Errorf("expected NodeError for flaky, got %v", err)
		}
		if atomic.LoadInt32(&calls) != 2 {
			t.Errorf("calls = %d, want 2", calls)
		}
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		e := newTestEngine(t, nil)
		var calls int32
		permanent := errors.New("permanent")
		node := NodeFunc[testState](func(context.Context, testState) NodeResult[testState] {
			atomic.AddInt32(&calls, 1)
			return NodeResult[testState]{Err: permanent}
		})
		mustAdd(t, e, "strict", WithPolicy[testState](node, NodePolicy{
			RetryPolicy: &RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, Retryable: retryable},
		}))
		_ = e.StartAt("strict")

		_, err := e.Run(context.Background(), "r1", testState{})
		if !errors.Is(err, permanent) || errors.Is(err, ErrMaxAttemptsExceeded) {
			t.Errorf("unexpected error: %v", err)
		}
		if atomic.LoadInt32(&calls) != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})
}

func TestEngine_NodeTimeout(t *testing.T) {
	e := newTestEngine(t, nil)
	slow := NodeFunc[testState](func(ctx context.Context, s testState) NodeResult[testState] {
		<-ctx.Done()
		return NodeResult[testState]{Err: ctx.Err()}
	})
	mustAdd(t, e, "slow", WithPolicy[testState](slow, NodePolicy{Timeout: 10 * time.Millisecond}))
	_ = e.StartAt("slow")

	_, err := e.Run(context.Background(), "r1", testState{})
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != "NODE_TIMEOUT" {
		t.Errorf("expected NODE_TIMEOUT, got %v", err)
	}
}

func TestEngine_RetainAndRunFrom(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[testState]()
	e := newTestEngine(t, st)

	var attempts int32
	mustAdd(t, e, "commit", NodeFunc[testState](func(_ context.Context, s testState) NodeResult[testState] {
		s.Done = atomic.AddInt32(&attempts, 1) > 1
		return NodeResult[testState]{Delta: s, Route: Stop()}
	}))
	_ = e.StartAt("commit")
	e.RetainWhen(func(s testState) bool { return !s.Done })

	res, err := e.Run(ctx, "r1", testState{})
	if err != nil || res.State.Done {
		t.Fatalf("first run: res=%+v err=%v", res, err)
	}

	cp, err := st.Load(ctx, "r1")
	if err != nil {
		t.Fatalf("failed run should be retained: %v", err)
	}
	if cp.Interrupted {
		t.Error("retained checkpoint must not be interrupted")
	}

	res, err = e.RunFrom(ctx, "r1", "commit", cp.State)
	if err != nil {
		t.Fatalf("RunFrom failed: %v", err)
	}
	if !res.State.Done {
		t.Error("expected retry to succeed")
	}
	if res.Steps != cp.Step+1 {
		t.Errorf("steps = %d, want %d", res.Steps, cp.Step+1)
	}
	if _, err := st.Load(ctx, "r1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("successful retry should drop the checkpoint, got %v", err)
	}

	if _, err := e.RunFrom(ctx, "r1", "missing", testState{}); err == nil {
		t.Error("expected error for unknown node")
	}
}

func TestEngine_EmitsLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	buf := emit.NewBufferedEmitter()
	e, err := New(Replace[testState], store.NewMemStore[testState](), buf)
	if err != nil {
		t.Fatal(err)
	}
	mustAdd(t, e, "ask", visit("ask", Interrupt()))
	mustAdd(t, e, "done", visit("done", Stop()))
	_ = e.StartAt("ask")
	_ = e.Connect("ask", "done", nil)

	if _, err := e.Run(ctx, "r1", testState{}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Resume(ctx, "r1", nil); err != nil {
		t.Fatal(err)
	}

	var msgs []string
	for _, ev := range buf.GetHistory("r1") {
		msgs = append(msgs, ev.Msg)
	}
	want := []string{
		emit.MsgNodeStart, emit.MsgNodeEnd, emit.MsgRunInterrupted,
		emit.MsgRunResumed,
		emit.MsgNodeStart, emit.MsgNodeEnd, emit.MsgRunCompleted,
	}
	if len(msgs) != len(want) {
		t.Fatalf("events = %v, want %v", msgs, want)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, msgs[i], want[i])
		}
	}
}

func TestEngine_Metrics(t *testing.T) {
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	e := newTestEngine(t, nil, WithMetrics(metrics))
	mustAdd(t, e, "ask", visit("ask", Interrupt()))
	mustAdd(t, e, "done", visit("done", Stop()))
	_ = e.StartAt("ask")
	_ = e.Connect("ask", "done", nil)

	if _, err := e.Run(ctx, "r1", testState{}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Resume(ctx, "r1", nil); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(metrics.interrupts.WithLabelValues("ask")); got != 1 {
		t.Errorf("interrupts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.resumes.WithLabelValues("ask")); got != 1 {
		t.Errorf("resumes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.runs.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.runs.WithLabelValues("interrupted")); got != 1 {
		t.Errorf("interrupted runs = %v, want 1", got)
	}
}
