package webread

import (
	"context"
	"encoding/json"
)

// Tool wraps a Fetcher to satisfy tooling.Tool as "web_read". Grounded on
// internal/tools/web/fetch_tool.go's Name/JSONSchema/Call shape, trimmed to
// the single-URL case.
type Tool struct {
	fetcher *Fetcher
}

func NewTool() *Tool {
	return &Tool{fetcher: NewFetcher()}
}

func (t *Tool) Name() string { return "web_read" }

func (t *Tool) JSONSchema() map[string]any {
	return map[string]any{
		"name":        t.Name(),
		"description": "Fetch a web page and return its readable content as Markdown.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string", "description": "Absolute http(s) URL to fetch."},
			},
			"required": []string{"url"},
		},
	}
}

func (t *Tool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}

	res, err := t.fetcher.FetchMarkdown(ctx, args.URL)
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}
	return map[string]any{
		"ok":            true,
		"input_url":     res.InputURL,
		"final_url":     res.FinalURL,
		"status":        res.Status,
		"content_type":  res.ContentType,
		"title":         res.Title,
		"markdown":      res.Markdown,
		"used_readable": res.UsedReadable,
	}, nil
}
