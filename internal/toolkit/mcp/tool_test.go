package mcp

import "testing"

func TestSanitizeName(t *testing.T) {
	got := sanitizeName("my server/name: v1")
	want := "my_server_name__v1"
	if got != want {
		t.Fatalf("sanitizeName() = %q, want %q", got, want)
	}
}

func TestSanitizeSchema_AddsMissingPropertiesAndItems(t *testing.T) {
	s := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tags": map[string]any{"type": "array"},
			"nested": map[string]any{
				"type": "object",
			},
		},
	}
	sanitizeSchema(s)

	props := s["properties"].(map[string]any)
	tags := props["tags"].(map[string]any)
	if _, ok := tags["items"].(map[string]any); !ok {
		t.Fatalf("expected tags.items to be populated, got %#v", tags)
	}

	nested := props["nested"].(map[string]any)
	if _, ok := nested["properties"].(map[string]any); !ok {
		t.Fatalf("expected nested.properties to be populated, got %#v", nested)
	}
}

func TestSanitizeSchema_CoercesRequiredToStrings(t *testing.T) {
	s := map[string]any{
		"type":     "object",
		"required": []any{"a", "b"},
	}
	sanitizeSchema(s)

	req, ok := s["required"].([]string)
	if !ok {
		t.Fatalf("expected required to be []string, got %T", s["required"])
	}
	if len(req) != 2 || req[0] != "a" || req[1] != "b" {
		t.Fatalf("unexpected required value: %#v", req)
	}
}

func TestSanitizeSchema_NoTypeLeavesPropertiesAlone(t *testing.T) {
	s := map[string]any{"description": "no type field"}
	sanitizeSchema(s)
	if _, ok := s["properties"]; ok {
		t.Fatalf("expected no properties to be injected when type is absent, got %#v", s)
	}
}
