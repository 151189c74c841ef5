package openaiprovider

import (
	"testing"

	sdk "github.com/openai/openai-go/v2"

	"streamorch/internal/llm"
)

func TestAdaptMessages_OneEntryPerMessage(t *testing.T) {
	msgs := []llm.Message{
		{Role: "system", Content: "be helpful"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "tool", Content: "result", ToolID: "call-1"},
	}
	out := adaptMessages(msgs)
	if len(out) != len(msgs) {
		t.Fatalf("adaptMessages() len = %d, want %d", len(out), len(msgs))
	}
}

func TestAdaptMessages_AssistantWithToolCallsUsesOfAssistant(t *testing.T) {
	msgs := []llm.Message{
		{Role: "assistant", Content: "", ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "web_read", Args: []byte(`{"url":"x"}`)}}},
	}
	out := adaptMessages(msgs)
	if len(out) != 1 {
		t.Fatalf("adaptMessages() len = %d, want 1", len(out))
	}
	if out[0].OfAssistant == nil {
		t.Fatalf("expected OfAssistant to be set for an assistant message with tool calls")
	}
	if len(out[0].OfAssistant.ToolCalls) != 1 {
		t.Fatalf("ToolCalls len = %d, want 1", len(out[0].OfAssistant.ToolCalls))
	}
}

func TestAdaptSchemas_OneToolPerSchema(t *testing.T) {
	schemas := []llm.ToolSchema{
		{Name: "web_read", Description: "fetch a page", Parameters: map[string]any{"type": "object"}},
		{Name: "echo", Description: "echoes input"},
	}
	out := adaptSchemas(schemas)
	if len(out) != len(schemas) {
		t.Fatalf("adaptSchemas() len = %d, want %d", len(out), len(schemas))
	}
}

func TestMessageFromChoice_CopiesContent(t *testing.T) {
	msg := messageFromChoice(sdk.ChatCompletionMessage{Content: "hello there"})
	if msg.Role != "assistant" {
		t.Fatalf("Role = %q, want assistant", msg.Role)
	}
	if msg.Content != "hello there" {
		t.Fatalf("Content = %q, want %q", msg.Content, "hello there")
	}
	if len(msg.ToolCalls) != 0 {
		t.Fatalf("ToolCalls len = %d, want 0", len(msg.ToolCalls))
	}
}

func TestPickModel_FallsBackToClientDefault(t *testing.T) {
	c := &Client{model: "gpt-4o-mini"}
	if got := c.pickModel(""); got != "gpt-4o-mini" {
		t.Fatalf("pickModel(\"\") = %q, want %q", got, "gpt-4o-mini")
	}
	if got := c.pickModel("gpt-4.1"); got != "gpt-4.1" {
		t.Fatalf("pickModel override = %q, want %q", got, "gpt-4.1")
	}
}
