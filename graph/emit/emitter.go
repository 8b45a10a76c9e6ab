// Package emit provides event emission and observability for graph execution.
package emit

// Emitter receives observability events from workflow execution.
//
// Implementations should be:
//   - Non-blocking: avoid slowing down workflow execution
//   - Thread-safe: the engine serves many sessions concurrently
//   - Resilient: never panic on a failing backend
type Emitter interface {
	Emit(event Event)
}

// Multi fans every event out to each non-nil emitter in order.
func Multi(emitters ...Emitter) Emitter {
	var out multiEmitter
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

type multiEmitter []Emitter

func (m multiEmitter) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
