package graph

import "context"

// Node represents a processing unit in the workflow graph.
// It receives state of type S, performs computation, and returns a NodeResult.
//
// Each node can:
//   - Read the current state
//   - Call external capabilities (models, ledgers, lookups)
//   - Return its successor state via Delta
//   - Control routing via Route, or leave routing to the engine's Router
//
// Type parameter S is the state type shared across the workflow.
type Node[S any] interface {
	// Run executes the node's logic with the given context and state.
	Run(ctx context.Context, state S) NodeResult[S]
}

// NodeResult represents the output of a node execution.
type NodeResult[S any] struct {
	// Delta is the state produced by this node.
	// It is merged with the current state using the configured reducer.
	Delta S

	// Route specifies the next step in workflow execution.
	// The zero value defers the decision to the engine's Router and edges.
	Route Next

	// Err is a node-level error. Retryable errors are re-attempted according
	// to the node's RetryPolicy; anything else aborts the run.
	Err error
}

// Next specifies the routing decision after a node completes.
//
// At most one of To, Terminal or Interrupt should be set.
type Next struct {
	// To is the ID of the next node to execute.
	To string

	// Terminal indicates the workflow should stop after this node.
	Terminal bool

	// Interrupt suspends the run after this node. The engine checkpoints the
	// state and returns; execution continues later through Engine.Resume.
	Interrupt bool
}

// IsZero reports whether no routing decision was made.
func (n Next) IsZero() bool {
	return n.To == "" && !n.Terminal && !n.Interrupt
}

// Stop returns a Next that terminates workflow execution.
func Stop() Next {
	return Next{Terminal: true}
}

// Goto returns a Next that routes to the specified node.
func Goto(nodeID string) Next {
	return Next{To: nodeID}
}

// Interrupt returns a Next that suspends the run awaiting external input.
//
// Example:
//
//	askNode := NodeFunc[MyState](func(ctx context.Context, s MyState) NodeResult[MyState] {
//	    s.Question = "approve?"
//	    return NodeResult[MyState]{Delta: s, Route: Interrupt()}
//	})
func Interrupt() Next {
	return Next{Interrupt: true}
}

// NodeFunc is a function adapter that implements the Node interface.
//
// Example:
//
//	processNode := NodeFunc[MyState](func(ctx context.Context, s MyState) NodeResult[MyState] {
//	    return NodeResult[MyState]{
//	        Delta: MyState{Result: "processed"},
//	        Route: Stop(),
//	    }
//	})
type NodeFunc[S any] func(ctx context.Context, state S) NodeResult[S]

// Run implements the Node interface for NodeFunc.
func (f NodeFunc[S]) Run(ctx context.Context, state S) NodeResult[S] {
	return f(ctx, state)
}

// PolicyProvider is implemented by nodes that carry their own execution policy.
type PolicyProvider interface {
	Policy() NodePolicy
}

// WithPolicy attaches a NodePolicy to a node.
//
// Example:
//
//	engine.Add("extract", graph.WithPolicy[MyState](extractNode, graph.NodePolicy{
//	    Timeout: 20 * time.Second,
//	}))
func WithPolicy[S any](node Node[S], policy NodePolicy) Node[S] {
	return &policyNode[S]{Node: node, policy: policy}
}

type policyNode[S any] struct {
	Node[S]
	policy NodePolicy
}

func (p *policyNode[S]) Policy() NodePolicy {
	return p.policy
}

// NodeError represents an error that occurred during node execution.
type NodeError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code.
	Code string

	// NodeID identifies which node produced the error.
	NodeID string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with errors.Is and errors.As.
func (e *NodeError) Unwrap() error {
	return e.Cause
}
