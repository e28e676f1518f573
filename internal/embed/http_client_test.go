package embed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"embedding-sync-pipeline/internal/config"
)

func newTestServer(t *testing.T, dim int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		vec := make([]float32, dim)
		for i := range vec {
			vec[i] = float32(i) / float32(dim)
		}
		resp := map[string]any{
			"data": []map[string]any{{"embedding": vec}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func clientFor(url string) *HTTPClient {
	return NewHTTPClient(config.Config{
		EmbedEndpoint: url,
		EmbedModel:    "all-minilm",
		EmbedTimeout:  2 * time.Second,
		EmbedDim:      384,
	})
}

func TestEmbedReturnsVector(t *testing.T) {
	srv := newTestServer(t, 384)
	defer srv.Close()

	vec, err := clientFor(srv.URL).Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 384 {
		t.Fatalf("expected 384 dims, got %d", len(vec))
	}
}

func TestEmbedRejectsEmptyInput(t *testing.T) {
	srv := newTestServer(t, 384)
	defer srv.Close()

	_, err := clientFor(srv.URL).Embed(context.Background(), "")
	var me *ModelError
	if !errors.As(err, &me) {
		t.Fatalf("expected ModelError for empty input, got %v", err)
	}
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	srv := newTestServer(t, 768)
	defer srv.Close()

	_, err := clientFor(srv.URL).Embed(context.Background(), "hello")
	var me *ModelError
	if !errors.As(err, &me) {
		t.Fatalf("expected ModelError for dimension mismatch, got %v", err)
	}
}

func TestEmbedSurfacesServiceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := clientFor(srv.URL).Embed(context.Background(), "hello")
	if err == nil {
		t.Fatalf("expected error for 503 response")
	}
	var me *ModelError
	if errors.As(err, &me) {
		t.Fatalf("transport failure should not be a ModelError")
	}
}
