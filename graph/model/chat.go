// Package model provides LLM chat adapters for node bodies.
//
// ChatModel abstracts over providers (OpenAI, Anthropic, Google, mock)
// behind one message-in, response-out call. Provider adapters live in
// the openai, anthropic, and google subpackages; MockChatModel serves
// tests and offline runs.
package model

import "context"

// ChatModel is the provider-neutral chat interface.
//
// Implementations convert the shared Message and ToolSpec shapes to the
// provider wire format, honor context cancellation, and report token
// usage when the provider supplies it.
type ChatModel interface {
	// Chat sends the conversation and optional tool specs, returning the
	// model's text and/or requested tool calls.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message roles following the common chat format.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single turn in a conversation.
type Message struct {
	// Role is one of the Role* constants.
	Role string

	// Content is the message text.
	Content string

	// ToolCallID links a RoleTool message to the call it answers.
	ToolCallID string
}

// ToolSpec describes a tool the model may invoke.
type ToolSpec struct {
	// Name is the tool identifier, lowercase with underscores.
	Name string

	// Description tells the model when to use the tool.
	Description string

	// Schema is a JSON Schema object describing the input.
	Schema map[string]any
}

// ToolCall is a model request to invoke a tool.
type ToolCall struct {
	// ID is the provider-assigned call id, echoed back in the
	// RoleTool reply.
	ID string

	// Name is the requested tool.
	Name string

	// Input is the decoded tool input.
	Input map[string]any
}

// Usage reports token consumption for one call. Zero when the provider
// does not supply usage data.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ChatOut is the model's response: text, tool calls, or both.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage

	// Model is the concrete model that served the call, for cost
	// attribution.
	Model string
}
