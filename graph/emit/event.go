package emit

// Event represents an observability event emitted during workflow execution.
type Event struct {
	// RunID identifies the run (session) that emitted this event.
	RunID string

	// Step is the engine step counter. Zero for run-level events.
	Step int

	// NodeID identifies which node emitted this event.
	// Empty for run-level events.
	NodeID string

	// Msg is a short event name such as "node_end" or "run_interrupted".
	Msg string

	// Meta contains additional structured data.
	// Common keys:
	//   - "duration_ms": execution duration in milliseconds
	//   - "error": error details
	//   - "attempt": retry attempt number
	//   - "next": the node routed to
	Meta map[string]interface{}
}

// Standard event names emitted by the engine.
const (
	MsgNodeStart      = "node_start"
	MsgNodeEnd        = "node_end"
	MsgNodeError      = "node_error"
	MsgNodeRetry      = "node_retry"
	MsgRunInterrupted = "run_interrupted"
	MsgRunResumed     = "run_resumed"
	MsgRunCompleted   = "run_completed"
)
