package model

import (
	"context"
	"sync"
)

// MockChatModel is a test implementation of ChatModel with canned
// responses, call recording, and error injection. Safe for concurrent
// use; fan-out branches may share one mock.
//
//	mock := &MockChatModel{Responses: []ChatOut{{Text: "first"}, {Text: "second"}}}
//
// Each Chat call returns the next response; when the list is exhausted
// the last response repeats.
type MockChatModel struct {
	// Responses are returned in order; the last one repeats.
	Responses []ChatOut

	// Err, if set, is returned instead of a response.
	Err error

	// Calls records every invocation.
	Calls []MockChatCall

	mu        sync.Mutex
	callIndex int
}

// MockChatCall records one Chat invocation.
type MockChatCall struct {
	Messages []Message
	Tools    []ToolSpec
}

// Chat returns the next canned response, recording the call.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockChatCall{Messages: messages, Tools: tools})

	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{Text: "mock response", Model: "mock"}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	m.callIndex++
	out := m.Responses[idx]
	if out.Model == "" {
		out.Model = "mock"
	}
	return out, nil
}

// CallCount returns how many times Chat has been invoked.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Reset clears recorded calls and rewinds the response sequence.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}
