package model

import (
	"context"
	"sync"
)

// MockChatModel is a test implementation of ChatModel.
//
// Responses are returned in order and the last one repeats. Errors, when set,
// are consumed one per call before any response is returned; a nil entry lets
// that call fall through to Responses. Err fails every call.
//
//	mock := &model.MockChatModel{
//	    Errors:    []error{transientErr},
//	    Responses: []model.ChatOut{{Text: `{"amount": 25}`}},
//	}
type MockChatModel struct {
	Responses []ChatOut
	Errors    []error
	Err       error

	// Calls records the messages of every Chat invocation.
	Calls [][]Message

	mu        sync.Mutex
	callIndex int
	errIndex  int
}

// Chat implements ChatModel.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, messages)

	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if m.errIndex < len(m.Errors) {
		err := m.Errors[m.errIndex]
		m.errIndex++
		if err != nil {
			return ChatOut{}, err
		}
	}

	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears the call history and rewinds responses and errors.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
	m.callIndex = 0
	m.errIndex = 0
}

// CallCount returns the number of times Chat has been called.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
