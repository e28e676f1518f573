package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"embedding-sync-pipeline/internal/config"
)

const maxResponseBytes = 4 * 1024 * 1024

// HTTPClient talks to an OpenAI-compatible embeddings endpoint.
type HTTPClient struct {
	endpoint   string
	model      string
	apiKey     string
	dim        int
	httpClient *http.Client
}

// NewHTTPClient builds the client from config.
func NewHTTPClient(cfg config.Config) *HTTPClient {
	timeout := cfg.EmbedTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	dim := cfg.EmbedDim
	if dim == 0 {
		dim = 384
	}
	return &HTTPClient{
		endpoint: cfg.EmbedEndpoint,
		model:    cfg.EmbedModel,
		apiKey:   cfg.EmbedAPIKey,
		dim:      dim,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed posts the text and returns its vector. Empty input and dimension
// mismatches are *ModelError; transport and status failures are plain errors.
func (c *HTTPClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, &ModelError{Reason: "empty input text"}
	}

	body, err := json.Marshal(embedRequest{Model: c.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call embedding service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("embedding service: status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var parsed embedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, &ModelError{Reason: "response contained no embeddings"}
	}
	vector := parsed.Data[0].Embedding
	if len(vector) != c.dim {
		return nil, &ModelError{Reason: fmt.Sprintf("expected %d dimensions, got %d", c.dim, len(vector))}
	}
	return vector, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
