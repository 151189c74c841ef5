// Package tooling implements C5, the Tool Dispatcher: brace-counted JSON
// extraction from model output, name-based routing to registered handlers,
// and per-tool rate limiting / circuit breaking / caching / timeouts.
// Registry shape grounded on internal/tools/types.go and registry.go in the
// teacher; the extractor's explicit inString/escape/depth state machine is
// built fresh in the style of internal/tools/fs/patch.go's extractV4ABody,
// since no pack file extracts a bare JSON object the same way.
package tooling

import (
	"context"
	"encoding/json"

	"streamorch/internal/llm"
)

// Tool is an executable capability the dispatcher can route a call to.
type Tool interface {
	Name() string
	JSONSchema() map[string]any
	Call(ctx context.Context, args json.RawMessage) (any, error)
}

// Registry tracks tools by name and exposes their schemas for the backend's
// function-calling surface.
type Registry struct {
	byName map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) { r.byName[t.Name()] = t }

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

func (r *Registry) Schemas() []llm.ToolSchema {
	out := make([]llm.ToolSchema, 0, len(r.byName))
	for name, t := range r.byName {
		schema := t.JSONSchema()
		out = append(out, llm.ToolSchema{
			Name:        name,
			Description: strFrom(schema["description"]),
			Parameters:  mapFrom(schema["parameters"]),
		})
	}
	return out
}

func strFrom(v any) string         { s, _ := v.(string); return s }
func mapFrom(v any) map[string]any { m, _ := v.(map[string]any); return m }
