package emit

import "testing"

func TestMulti(t *testing.T) {
	a := NewBufferedEmitter()
	b := NewBufferedEmitter()

	m := Multi(a, nil, b, NewNullEmitter())
	m.Emit(Event{RunID: "s1", Msg: MsgRunCompleted})

	if got := len(a.GetHistory("s1")); got != 1 {
		t.Errorf("first emitter got %d events, want 1", got)
	}
	if got := len(b.GetHistory("s1")); got != 1 {
		t.Errorf("second emitter got %d events, want 1", got)
	}
}
