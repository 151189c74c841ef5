package observability

import (
	"encoding/json"
	"testing"
)

func TestRedactJSON_SimpleAndNested(t *testing.T) {
	in := map[string]any{
		"api_key": "secret123",
		"user": map[string]any{
			"name":     "alice",
			"password": "hunter2",
		},
		"items": []any{
			map[string]any{"token": "tok"},
			"plain",
		},
		"note": "keepme",
	}
	b, _ := json.Marshal(in)
	out := RedactJSON(b)

	var v any
	if err := json.Unmarshal(out, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", v)
	}
	if m["api_key"] != "[REDACTED]" {
		t.Errorf("api_key not redacted: %v", m["api_key"])
	}
	if m["note"] != "keepme" {
		t.Errorf("unrelated field mutated: %v", m["note"])
	}
	user := m["user"].(map[string]any)
	if user["password"] != "[REDACTED]" {
		t.Errorf("nested password not redacted: %v", user["password"])
	}
	if user["name"] != "alice" {
		t.Errorf("unrelated nested field mutated: %v", user["name"])
	}
	items := m["items"].([]any)
	first := items[0].(map[string]any)
	if first["token"] != "[REDACTED]" {
		t.Errorf("token in slice element not redacted: %v", first["token"])
	}
}

func TestRedactJSON_InvalidInputPassthrough(t *testing.T) {
	in := json.RawMessage(`not json`)
	out := RedactJSON(in)
	if string(out) != string(in) {
		t.Errorf("expected passthrough on invalid json, got %s", out)
	}
}

func TestRedactJSON_Empty(t *testing.T) {
	if out := RedactJSON(nil); out != nil {
		t.Errorf("expected nil passthrough, got %v", out)
	}
}
