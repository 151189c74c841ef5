package anthropicprovider

import (
	"encoding/json"
	"testing"

	"streamorch/internal/llm"
)

func TestAdaptMessages_SplitsSystemFromConversation(t *testing.T) {
	msgs := []llm.Message{
		{Role: "system", Content: "be helpful"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "tool", Content: "result", ToolID: "tool-1"},
	}
	sys, converted, err := adaptMessages(msgs)
	if err != nil {
		t.Fatalf("adaptMessages() error = %v", err)
	}
	if len(sys) != 1 {
		t.Fatalf("system blocks = %d, want 1", len(sys))
	}
	if len(converted) != 3 {
		t.Fatalf("converted messages = %d, want 3", len(converted))
	}
}

func TestAdaptMessages_RejectsUnknownRole(t *testing.T) {
	_, _, err := adaptMessages([]llm.Message{{Role: "narrator", Content: "x"}})
	if err == nil {
		t.Fatalf("expected an error for an unsupported role")
	}
}

func TestAdaptMessages_EmptyContentSkipsTurn(t *testing.T) {
	_, converted, err := adaptMessages([]llm.Message{{Role: "user", Content: "   "}})
	if err != nil {
		t.Fatalf("adaptMessages() error = %v", err)
	}
	if len(converted) != 0 {
		t.Fatalf("converted len = %d, want 0 for a blank user turn", len(converted))
	}
}

func TestAdaptTools_RequiresName(t *testing.T) {
	_, err := adaptTools([]llm.ToolSchema{{Description: "missing a name"}})
	if err == nil {
		t.Fatalf("expected an error for a tool schema without a name")
	}
}

func TestAdaptTools_EmptyInputReturnsNil(t *testing.T) {
	out, err := adaptTools(nil)
	if err != nil {
		t.Fatalf("adaptTools(nil) error = %v", err)
	}
	if out != nil {
		t.Fatalf("adaptTools(nil) = %v, want nil", out)
	}
}

func TestAdaptTools_SplitsPropertiesAndRequired(t *testing.T) {
	out, err := adaptTools([]llm.ToolSchema{{
		Name:        "web_read",
		Description: "fetch a page",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"url": map[string]any{"type": "string"}},
			"required":   []string{"url"},
		},
	}})
	if err != nil {
		t.Fatalf("adaptTools() error = %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("adaptTools() len = %d, want 1", len(out))
	}
	tool := out[0].OfTool
	if tool == nil {
		t.Fatalf("expected OfTool to be set")
	}
	if tool.InputSchema.Properties == nil {
		t.Fatalf("expected Properties to be carried over")
	}
	if len(tool.InputSchema.Required) != 1 || tool.InputSchema.Required[0] != "url" {
		t.Fatalf("Required = %v, want [url]", tool.InputSchema.Required)
	}
}

func TestDecodeArgs_ValidJSONObject(t *testing.T) {
	got := decodeArgs(json.RawMessage(`{"url":"https://example.com"}`))
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("decodeArgs() = %T, want map[string]any", got)
	}
	if m["url"] != "https://example.com" {
		t.Fatalf("url = %v, want https://example.com", m["url"])
	}
}

func TestDecodeArgs_EmptyOrInvalidFallsBackToEmptyMap(t *testing.T) {
	for _, raw := range []json.RawMessage{nil, json.RawMessage(""), json.RawMessage("not json")} {
		got := decodeArgs(raw)
		m, ok := got.(map[string]any)
		if !ok || len(m) != 0 {
			t.Fatalf("decodeArgs(%q) = %v, want empty map", raw, got)
		}
	}
}

func TestToolBuffer_InitialThenDeltaReplacesRatherThanAppends(t *testing.T) {
	tb := &toolBuffer{name: "web_read", id: "call-1"}
	tb.appendInitial(json.RawMessage(`{}`))
	tb.appendPartial(`{"url":`)
	tb.appendPartial(`"https://example.com"}`)

	call := tb.toToolCall()
	if call.Name != "web_read" || call.ID != "call-1" {
		t.Fatalf("unexpected call identity: %+v", call)
	}
	var args map[string]string
	if err := json.Unmarshal(call.Args, &args); err != nil {
		t.Fatalf("Args not valid JSON: %v (%s)", err, call.Args)
	}
	if args["url"] != "https://example.com" {
		t.Fatalf("url = %q, want https://example.com", args["url"])
	}
}

func TestToolBuffer_NoDeltasKeepsInitialInput(t *testing.T) {
	tb := &toolBuffer{name: "web_read", id: "call-1"}
	tb.appendInitial(json.RawMessage(`{"url":"https://example.com"}`))

	call := tb.toToolCall()
	var args map[string]string
	if err := json.Unmarshal(call.Args, &args); err != nil {
		t.Fatalf("Args not valid JSON: %v (%s)", err, call.Args)
	}
	if args["url"] != "https://example.com" {
		t.Fatalf("url = %q, want https://example.com", args["url"])
	}
}

func TestToolBuffer_InvalidAccumulatedJSONFallsBackToEmptyObject(t *testing.T) {
	tb := &toolBuffer{name: "web_read", id: "call-1"}
	tb.appendInitial(json.RawMessage(`{}`))
	tb.appendPartial(`not valid json`)

	call := tb.toToolCall()
	if string(call.Args) != "{}" {
		t.Fatalf("Args = %s, want {}", call.Args)
	}
}

func TestMessageFromResponse_NilIsZeroValue(t *testing.T) {
	msg := messageFromResponse(nil)
	if msg.Role != "" || msg.Content != "" || msg.ToolCalls != nil {
		t.Fatalf("messageFromResponse(nil) = %+v, want zero value", msg)
	}
}

func TestPickModel_FallsBackToClientDefault(t *testing.T) {
	c := &Client{model: "claude-3-7-sonnet-latest"}
	if got := c.pickModel(""); got != "claude-3-7-sonnet-latest" {
		t.Fatalf("pickModel(\"\") = %q, want client default", got)
	}
	if got := c.pickModel("claude-haiku"); got != "claude-haiku" {
		t.Fatalf("pickModel override = %q, want claude-haiku", got)
	}
}
