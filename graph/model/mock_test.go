package model

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMockChatModel_Responses(t *testing.T) {
	mock := &MockChatModel{Responses: []ChatOut{{Text: "one"}, {Text: "two"}}}
	ctx := context.Background()

	for _, want := range []string{"one", "two", "two"} {
		out, err := mock.Chat(ctx, []Message{{Role: RoleUser, Content: "hi"}})
		if err != nil {
			t.Fatal(err)
		}
		if out.Text != want {
			t.Errorf("got %q, want %q", out.Text, want)
		}
	}
	if mock.CallCount() != 3 {
		t.Errorf("CallCount = %d, want 3", mock.CallCount())
	}

	mock.Reset()
	out, _ := mock.Chat(ctx, nil)
	if out.Text != "one" || mock.CallCount() != 1 {
		t.Errorf("Reset did not rewind: %q, %d calls", out.Text, mock.CallCount())
	}
}

func TestMockChatModel_Errors(t *testing.T) {
	transient := errors.New("temporary")
	mock := &MockChatModel{
		Errors:    []error{transient, nil},
		Responses: []ChatOut{{Text: "ok"}},
	}
	ctx := context.Background()

	if _, err := mock.Chat(ctx, nil); !errors.Is(err, transient) {
		t.Errorf("first call: %v", err)
	}
	if out, err := mock.Chat(ctx, nil); err != nil || out.Text != "ok" {
		t.Errorf("second call: %q, %v", out.Text, err)
	}

	always := &MockChatModel{Err: transient}
	if _, err := always.Chat(ctx, nil); !errors.Is(err, transient) {
		t.Errorf("Err not returned: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := mock.Chat(cancelled, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMockChatModel_Concurrency(t *testing.T) {
	mock := &MockChatModel{Responses: []ChatOut{{Text: "ok"}}}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = mock.Chat(context.Background(), nil)
		}()
	}
	wg.Wait()

	if mock.CallCount() != 20 {
		t.Errorf("CallCount = %d, want 20", mock.CallCount())
	}
}
