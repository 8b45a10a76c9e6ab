// Package graph provides a checkpointing workflow engine with suspend/resume support.
package graph

// Edge represents a connection between two nodes in the workflow graph.
//
// Edges are the last routing source the engine consults: an explicit
// NodeResult.Route wins, then the engine's Router, then edges in
// registration order.
//
// Type parameter S is the state type used for predicate evaluation.
type Edge[S any] struct {
	// From is the source node ID.
	From string

	// To is the destination node ID.
	To string

	// When is an optional predicate. If nil, the edge is unconditional.
	When Predicate[S]
}

// Predicate evaluates state to decide whether an edge is traversed.
// Predicates should be pure functions.
type Predicate[S any] func(state S) bool

// Router decides the next hop after a node completes.
//
// A Router is a pure function of the node that just ran and the merged state.
// Returning the zero Next defers to edge evaluation.
//
// Example:
//
//	router := func(from string, s MyState) graph.Next {
//	    if from == "validate" && !s.Valid {
//	        return graph.Goto("reject")
//	    }
//	    return graph.Next{}
//	}
type Router[S any] func(from string, state S) Next
