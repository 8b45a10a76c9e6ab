package graph

// Reducer merges the state produced by a node into the current state.
//
// The engine calls the reducer after every node with the state the node
// started from (prev) and the node's Delta. Reducers are the place to enforce
// invariants that no single node may break, for example fields that are
// immutable for the lifetime of a run.
//
// Example:
//
//	reducer := func(prev, delta MyState) MyState {
//	    if delta.Query != "" {
//	        prev.Query = delta.Query
//	    }
//	    prev.Steps++
//	    return prev
//	}
type Reducer[S any] func(prev, delta S) S

// Replace is a Reducer that takes the node's output as the new state.
func Replace[S any](_, delta S) S {
	return delta
}
