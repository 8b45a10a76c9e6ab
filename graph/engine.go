package graph

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/huytu0702/moniagent-sub000/graph/emit"
	"github.com/huytu0702/moniagent-sub000/graph/store"
)

// Status describes how an engine invocation ended.
type Status string

const (
	// StatusCompleted means a node routed to Stop (or the Router did).
	StatusCompleted Status = "completed"

	// StatusInterrupted means a node suspended the run; see Engine.Resume.
	StatusInterrupted Status = "interrupted"
)

// Result is the outcome of Run, Resume or RunFrom.
type Result[S any] struct {
	// State is the state after the last executed node.
	State S

	// Status tells whether the run completed or is suspended.
	Status Status

	// NodeID is the last node executed. For interrupted runs it is the
	// node that suspended.
	NodeID string

	// Steps is the engine step counter after the invocation.
	Steps int
}

// Interrupted reports whether the run is suspended awaiting input.
func (r Result[S]) Interrupted() bool {
	return r.Status == StatusInterrupted
}

// Engine orchestrates stateful workflow execution with suspend/resume support.
//
// The Engine:
//   - Manages workflow graph topology (nodes, Router, edges)
//   - Executes nodes one at a time, merging their output via the reducer
//   - Checkpoints the run when a node interrupts, and resumes it later
//   - Retries transient node failures and enforces per-node timeouts
//   - Emits observability events and Prometheus metrics
//   - Enforces MaxSteps per invocation
//
// The engine does not serialize calls for the same run ID. Callers that may
// run or resume the same run concurrently must hold a store.Locker lock
// around each call.
//
// Type parameter S is the state type shared across the workflow.
//
// Example:
//
//	st := store.NewMemStore[MyState]()
//	engine, err := graph.New(graph.Replace[MyState], st, emit.NewNullEmitter(), graph.WithMaxSteps(50))
//	engine.Add("ask", askNode)
//	engine.Add("apply", applyNode)
//	engine.StartAt("ask")
//	engine.Connect("ask", "apply", nil)
//
//	res, err := engine.Run(ctx, "session-1", MyState{})
//	if res.Interrupted() {
//	    res, err = engine.Resume(ctx, "session-1", func(s MyState) MyState {
//	        s.Answer = "yes"
//	        return s
//	    })
//	}
type Engine[S any] struct {
	mu sync.RWMutex

	reducer   Reducer[S]
	nodes     map[string]Node[S]
	edges     []Edge[S]
	router    Router[S]
	retain    Predicate[S]
	startNode string

	store   store.Store[S]
	emitter emit.Emitter
	opts    Options

	rngMu sync.Mutex
}

// New creates a new Engine.
//
// Parameters:
//   - reducer: merges each node's Delta into the current state (required)
//   - st: checkpoint persistence backend (required)
//   - emitter: observability event receiver (nil discards events)
//   - options: functional options such as WithMaxSteps
func New[S any](reducer Reducer[S], st store.Store[S], emitter emit.Emitter, options ...Option) (*Engine[S], error) {
	if reducer == nil {
		return nil, &EngineError{Message: "reducer is required", Code: "MISSING_REDUCER"}
	}
	if st == nil {
		return nil, &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}

	cfg := engineConfig{}
	for _, opt := range options {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.opts.Clock == nil {
		cfg.opts.Clock = time.Now
	}
	if cfg.opts.rng == nil {
		cfg.opts.rng = rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404 -- jitter for retry timing, not security
	}

	return &Engine[S]{
		reducer: reducer,
		nodes:   make(map[string]Node[S]),
		store:   st,
		emitter: emitter,
		opts:    cfg.opts,
	}, nil
}

// Add registers a node in the workflow graph.
//
// Returns error if nodeID is empty, node is nil, or the ID is already taken.
func (e *Engine[S]) Add(nodeID string, node Node[S]) error {
	if nodeID == "" {
		return &EngineError{Message: "node ID cannot be empty", Code: "INVALID_NODE"}
	}
	if node == nil {
		return &EngineError{Message: "node cannot be nil", Code: "INVALID_NODE"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; exists {
		return &EngineError{
			Message: "duplicate node ID: " + nodeID,
			Code:    "DUPLICATE_NODE",
		}
	}

	if p, ok := node.(PolicyProvider); ok {
		if rp := p.Policy().RetryPolicy; rp != nil {
			if err := rp.Validate(); err != nil {
				return &EngineError{
					Message: "invalid retry policy for node " + nodeID,
					Code:    "INVALID_POLICY",
					Cause:   err,
				}
			}
		}
	}

	e.nodes[nodeID] = node
	return nil
}

// StartAt sets the entry point used by Run.
func (e *Engine[S]) StartAt(nodeID string) error {
	if nodeID == "" {
		return &EngineError{Message: "start node ID cannot be empty", Code: "NO_START_NODE"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; !exists {
		return &EngineError{
			Message: "start node does not exist: " + nodeID,
			Code:    "NODE_NOT_FOUND",
		}
	}

	e.startNode = nodeID
	return nil
}

// Connect creates an edge between two nodes.
//
// Edges are consulted after explicit node routing and the Router.
// A nil predicate makes the edge unconditional.
func (e *Engine[S]) Connect(from, to string, predicate Predicate[S]) error {
	if from == "" {
		return &EngineError{Message: "from node ID cannot be empty", Code: "INVALID_EDGE"}
	}
	if to == "" {
		return &EngineError{Message: "to node ID cannot be empty", Code: "INVALID_EDGE"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.edges = append(e.edges, Edge[S]{From: from, To: to, When: predicate})
	return nil
}

// RouteWith installs a Router consulted whenever a node leaves Route empty.
func (e *Engine[S]) RouteWith(router Router[S]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.router = router
}

// RetainWhen keeps the checkpoint of a completed run when keep returns true
// for its final state. By default a completed run's checkpoint is deleted.
// Retained runs can be continued with RunFrom.
func (e *Engine[S]) RetainWhen(keep Predicate[S]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retain = keep
}

// Run executes the workflow from the start node until it completes or a node
// interrupts.
//
// On interrupt the state is checkpointed under runID and the result has
// StatusInterrupted. On completion the checkpoint is deleted unless the
// RetainWhen predicate keeps it.
func (e *Engine[S]) Run(ctx context.Context, runID string, initial S) (Result[S], error) {
	e.mu.RLock()
	start := e.startNode
	e.mu.RUnlock()

	if start == "" {
		return Result[S]{}, &EngineError{
			Message: "start node not set (call StartAt before Run)",
			Code:    "NO_START_NODE",
		}
	}

	return e.execute(ctx, runID, start, initial, 0)
}

// Resume continues a run suspended by an interrupting node.
//
// Resume:
//  1. Loads the checkpoint; it must be interrupted, otherwise ErrNotInterrupted
//  2. Applies patch (typically injecting the user's reply) to the saved state
//  3. Persists the checkpoint as no longer interrupted, so the same
//     suspension can never be resumed twice
//  4. Continues at the node the Router (or edges) pick after the
//     interrupting node
//
// A nil patch resumes with the saved state unchanged.
func (e *Engine[S]) Resume(ctx context.Context, runID string, patch func(S) S) (Result[S], error) {
	cp, err := e.store.Load(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return Result[S]{}, fmt.Errorf("resume %s: %w", runID, ErrNotInterrupted)
	}
	if err != nil {
		return Result[S]{}, &EngineError{Message: "failed to load checkpoint: " + err.Error(), Code: "STORE_ERROR", Cause: err}
	}
	if !cp.Interrupted {
		return Result[S]{}, fmt.Errorf("resume %s: %w", runID, ErrNotInterrupted)
	}

	state := cp.State
	if patch != nil {
		state = patch(state)
	}

	cp.State = state
	cp.Interrupted = false
	if err := e.store.Save(ctx, cp); err != nil {
		return Result[S]{}, &EngineError{Message: "failed to consume interrupt: " + err.Error(), Code: "STORE_ERROR", Cause: err}
	}

	e.opts.Metrics.RecordResume(cp.NodeID)
	e.emitter.Emit(emit.Event{RunID: runID, Step: cp.Step, NodeID: cp.NodeID, Msg: emit.MsgRunResumed})

	next, terminal := e.nextNode(cp.NodeID, state)
	if terminal {
		return e.complete(ctx, runID, cp.NodeID, state, cp.Step)
	}
	if next == "" {
		return Result[S]{}, &EngineError{Message: "no valid route from node: " + cp.NodeID, Code: "NO_ROUTE"}
	}

	return e.execute(ctx, runID, next, state, cp.Step)
}

// RunFrom executes the workflow starting at nodeID with the given state.
//
// It is used to continue a retained run, for example retrying a node whose
// side effect failed. The step counter continues from any existing checkpoint.
func (e *Engine[S]) RunFrom(ctx context.Context, runID, nodeID string, state S) (Result[S], error) {
	e.mu.RLock()
	_, exists := e.nodes[nodeID]
	e.mu.RUnlock()

	if !exists {
		return Result[S]{}, &EngineError{Message: "node does not exist: " + nodeID, Code: "NODE_NOT_FOUND"}
	}

	step := 0
	if cp, err := e.store.Load(ctx, runID); err == nil {
		step = cp.Step
	}

	return e.execute(ctx, runID, nodeID, state, step)
}

// Checkpoint returns the persisted checkpoint for runID, or store.ErrNotFound.
func (e *Engine[S]) Checkpoint(ctx context.Context, runID string) (store.Checkpoint[S], error) {
	return e.store.Load(ctx, runID)
}

// Discard deletes any checkpoint for runID.
func (e *Engine[S]) Discard(ctx context.Context, runID string) error {
	return e.store.Delete(ctx, runID)
}

func (e *Engine[S]) execute(ctx context.Context, runID, startNode string, state S, step int) (Result[S], error) {
	currentNode := startNode
	executed := 0

	for {
		executed++
		step++

		if e.opts.MaxSteps > 0 && executed > e.opts.MaxSteps {
			e.opts.Metrics.RecordRun("error")
			return Result[S]{}, &EngineError{
				Message: fmt.Sprintf("workflow exceeded MaxSteps limit (%d)", e.opts.MaxSteps),
				Code:    "MAX_STEPS_EXCEEDED",
				Cause:   ErrMaxStepsExceeded,
			}
		}

		if err := ctx.Err(); err != nil {
			e.opts.Metrics.RecordRun("error")
			return Result[S]{}, err
		}

		e.mu.RLock()
		nodeImpl, exists := e.nodes[currentNode]
		e.mu.RUnlock()

		if !exists {
			e.opts.Metrics.RecordRun("error")
			return Result[S]{}, &EngineError{
				Message: "node not found during execution: " + currentNode,
				Code:    "NODE_NOT_FOUND",
			}
		}

		result, err := e.runNode(ctx, runID, step, currentNode, nodeImpl, state)
		if err != nil {
			e.opts.Metrics.RecordRun("error")
			return Result[S]{}, err
		}

		state = e.reducer(state, result.Delta)

		switch {
		case result.Route.Interrupt:
			return e.interrupt(ctx, runID, currentNode, state, step)
		case result.Route.Terminal:
			return e.complete(ctx, runID, currentNode, state, step)
		case result.Route.To != "":
			currentNode = result.Route.To
			continue
		}

		next, terminal := e.nextNode(currentNode, state)
		if terminal {
			return e.complete(ctx, runID, currentNode, state, step)
		}
		if next == "" {
			e.opts.Metrics.RecordRun("error")
			return Result[S]{}, &EngineError{
				Message: "no valid route from node: " + currentNode,
				Code:    "NO_ROUTE",
			}
		}
		currentNode = next
	}
}

// runNode executes one node, retrying according to its policy.
func (e *Engine[S]) runNode(ctx context.Context, runID string, step int, nodeID string, node Node[S], state S) (NodeResult[S], error) {
	var policy *NodePolicy
	if p, ok := node.(PolicyProvider); ok {
		pol := p.Policy()
		policy = &pol
	}
	var retry *RetryPolicy
	if policy != nil {
		retry = policy.RetryPolicy
	}

	for attempt := 1; ; attempt++ {
		e.emitter.Emit(emit.Event{RunID: runID, Step: step, NodeID: nodeID, Msg: emit.MsgNodeStart,
			Meta: map[string]interface{}{"attempt": attempt}})

		started := time.Now()
		result, timeoutErr := executeNodeWithTimeout(ctx, node, nodeID, state, policy, e.opts.DefaultNodeTimeout)
		latency := time.Since(started)

		nodeErr := result.Err
		status := "success"
		if timeoutErr != nil {
			nodeErr = timeoutErr
			status = "timeout"
		} else if nodeErr != nil {
			status = "error"
		}
		e.opts.Metrics.RecordStepLatency(nodeID, latency, status)

		if nodeErr == nil {
			e.emitter.Emit(emit.Event{RunID: runID, Step: step, NodeID: nodeID, Msg: emit.MsgNodeEnd,
				Meta: map[string]interface{}{"duration_ms": latency.Milliseconds()}})
			return result, nil
		}

		if retry.shouldRetry(attempt, nodeErr) && ctx.Err() == nil {
			delay := e.backoff(attempt-1, retry)
			e.opts.Metrics.IncrementRetries(nodeID)
			e.emitter.Emit(emit.Event{RunID: runID, Step: step, NodeID: nodeID, Msg: emit.MsgNodeRetry,
				Meta: map[string]interface{}{"attempt": attempt, "error": nodeErr.Error(), "delay_ms": delay.Milliseconds()}})

			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return NodeResult[S]{}, ctx.Err()
			}
		}

		e.emitter.Emit(emit.Event{RunID: runID, Step: step, NodeID: nodeID, Msg: emit.MsgNodeError,
			Meta: map[string]interface{}{"attempt": attempt, "error": nodeErr.Error()}})

		if retry != nil && retry.Retryable != nil && attempt >= retry.MaxAttempts && retry.Retryable(nodeErr) {
			nodeErr = fmt.Errorf("%w: %w", ErrMaxAttemptsExceeded, nodeErr)
		}
		return NodeResult[S]{}, &NodeError{
			Message: nodeErr.Error(),
			Code:    "NODE_FAILED",
			NodeID:  nodeID,
			Cause:   nodeErr,
		}
	}
}

func (e *Engine[S]) backoff(attempt int, retry *RetryPolicy) time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return computeBackoff(attempt, retry.BaseDelay, retry.MaxDelay, e.opts.rng)
}

// nextNode resolves the hop after from: Router first, then edges.
func (e *Engine[S]) nextNode(from string, state S) (next string, terminal bool) {
	e.mu.RLock()
	router := e.router
	e.mu.RUnlock()

	if router != nil {
		decision := router(from, state)
		switch {
		case decision.Terminal:
			return "", true
		case decision.To != "":
			return decision.To, false
		}
	}

	return e.evaluateEdges(from, state), false
}

// evaluateEdges finds the first matching edge from the given node.
// Returns empty string if no edges match.
func (e *Engine[S]) evaluateEdges(fromNode string, state S) string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, edge := range e.edges {
		if edge.From != fromNode {
			continue
		}
		if edge.When == nil || edge.When(state) {
			return edge.To
		}
	}
	return ""
}

func (e *Engine[S]) interrupt(ctx context.Context, runID, nodeID string, state S, step int) (Result[S], error) {
	cp := store.Checkpoint[S]{
		RunID:       runID,
		NodeID:      nodeID,
		Step:        step,
		State:       state,
		Interrupted: true,
		UpdatedAt:   e.opts.Clock(),
	}
	if err := e.store.Save(ctx, cp); err != nil {
		e.opts.Metrics.RecordRun("error")
		return Result[S]{}, &EngineError{Message: "failed to save checkpoint: " + err.Error(), Code: "STORE_ERROR", Cause: err}
	}

	e.opts.Metrics.RecordInterrupt(nodeID)
	e.opts.Metrics.RecordRun(string(StatusInterrupted))
	e.emitter.Emit(emit.Event{RunID: runID, Step: step, NodeID: nodeID, Msg: emit.MsgRunInterrupted})

	return Result[S]{State: state, Status: StatusInterrupted, NodeID: nodeID, Steps: step}, nil
}

func (e *Engine[S]) complete(ctx context.Context, runID, nodeID string, state S, step int) (Result[S], error) {
	e.mu.RLock()
	retain := e.retain
	e.mu.RUnlock()

	var err error
	retained := retain != nil && retain(state)
	if retained {
		err = e.store.Save(ctx, store.Checkpoint[S]{
			RunID:     runID,
			NodeID:    nodeID,
			Step:      step,
			State:     state,
			UpdatedAt: e.opts.Clock(),
		})
	} else {
		err = e.store.Delete(ctx, runID)
	}
	if err != nil {
		e.opts.Metrics.RecordRun("error")
		return Result[S]{}, &EngineError{Message: "failed to finalize run: " + err.Error(), Code: "STORE_ERROR", Cause: err}
	}

	e.opts.Metrics.RecordRun(string(StatusCompleted))
	e.emitter.Emit(emit.Event{RunID: runID, Step: step, NodeID: nodeID, Msg: emit.MsgRunCompleted,
		Meta: map[string]interface{}{"retained": retained}})

	return Result[S]{State: state, Status: StatusCompleted, NodeID: nodeID, Steps: step}, nil
}
