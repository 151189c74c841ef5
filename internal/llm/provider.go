// Package llm defines the provider-agnostic chat contract every backend
// (OpenAI, Anthropic, ...) implements. Grounded directly on
// internal/llm/provider.go in the reference repo this was patterned on,
// trimmed to what this service's single-agent and multi-agent loops
// actually drive: no image or thought-signature plumbing, since neither
// mode surfaces those.
package llm

import "context"

// ToolCall is a function call surfaced by the model, either parsed from the
// model's text output (C5) or returned natively by the backend.
type ToolCall struct {
	Name string
	Args []byte
	ID   string
}

// Message is one turn in a chat history.
type Message struct {
	Role      string // "system" | "user" | "assistant" | "tool"
	Content   string
	ToolID    string
	ToolCalls []ToolCall
}

// ToolSchema describes one callable tool for the backend's function-calling
// surface.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// StreamHandler receives incremental output from ChatStream.
type StreamHandler interface {
	OnDelta(content string)
	OnThinking(content string)
	OnToolCall(tc ToolCall)
}

// Provider is a chat backend capable of a single blocking call or a
// streaming call.
type Provider interface {
	Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string) (Message, error)
	ChatStream(ctx context.Context, msgs []Message, tools []ToolSchema, model string, h StreamHandler) error
}
