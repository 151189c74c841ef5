// Package embedding is the EmbeddingService external collaborator:
// embed(text) -> fixed-length vector, isConfigured() -> bool. Grounded
// directly on internal/embeddings/embeddings.go's GenerateEmbeddings/
// FetchEmbeddings request shape, adapted to the single-text Service
// interface C4/C7/C13 depend on and routed through observability's shared
// HTTP client instead of a bare &http.Client{}.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"streamorch/internal/observability"
)

// Service is the EmbeddingService contract.
type Service interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	IsConfigured() bool
}

type request struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format"`
}

type response struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// HTTPService calls an OpenAI-compatible embeddings endpoint.
type HTTPService struct {
	host       string
	apiKey     string
	model      string
	httpClient *http.Client
}

// Options configures an HTTPService. Host empty means unconfigured: callers
// that don't have an embedding backend wired up get IsConfigured()==false
// rather than a panic on first use.
type Options struct {
	Host   string
	APIKey string
	Model  string
}

func NewHTTPService(opts Options) *HTTPService {
	model := opts.Model
	if model == "" {
		model = "nomic-embed-text-v1.5.Q8_0"
	}
	return &HTTPService{
		host:       opts.Host,
		apiKey:     opts.APIKey,
		model:      model,
		httpClient: observability.NewHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	}
}

func (s *HTTPService) IsConfigured() bool { return s.host != "" }

func (s *HTTPService) Embed(ctx context.Context, text string) ([]float32, error) {
	if !s.IsConfigured() {
		return nil, fmt.Errorf("embedding: service not configured")
	}

	body, err := json.Marshal(request{Input: []string{text}, Model: s.model, EncodingFormat: "float"})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.host, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding: bad status %d", resp.StatusCode)
	}

	var parsed response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embedding: empty response")
	}
	return parsed.Data[0].Embedding, nil
}
