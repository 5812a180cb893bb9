package tool

import (
	"context"
	"sync"
)

// MockTool is a configurable test tool recording every call.
type MockTool struct {
	// ToolName is returned by Name. Defaults to "mock_tool".
	ToolName string

	// ToolDescription is returned by Description.
	ToolDescription string

	// ToolSchema is returned by Schema.
	ToolSchema map[string]any

	// Output is returned by Call on success.
	Output map[string]any

	// Err, if set, is returned by Call.
	Err error

	mu    sync.Mutex
	calls []map[string]any
}

func (m *MockTool) Name() string {
	if m.ToolName == "" {
		return "mock_tool"
	}
	return m.ToolName
}

func (m *MockTool) Description() string { return m.ToolDescription }

func (m *MockTool) Schema() map[string]any { return m.ToolSchema }

// Call records the input and returns the configured output or error.
func (m *MockTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	m.calls = append(m.calls, input)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	return m.Output, nil
}

// Calls returns a copy of recorded inputs.
func (m *MockTool) Calls() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, len(m.calls))
	copy(out, m.calls)
	return out
}
