package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"embedding-sync-pipeline/internal/config"
	"embedding-sync-pipeline/internal/models"
	"embedding-sync-pipeline/internal/queue"
	"embedding-sync-pipeline/internal/ratelimit"
	"embedding-sync-pipeline/internal/scan"
	"embedding-sync-pipeline/internal/store"
	"embedding-sync-pipeline/internal/telemetry"
	"embedding-sync-pipeline/internal/worker"
)

// Server wires HTTP handlers for the document and processing API.
type Server struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.Queue
	drainer worker.DrainRunner
	limiter *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.Queue, drainer worker.DrainRunner, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		drainer: drainer,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/documents", s.handleCreateDocument)
	r.Get("/documents/{id}", s.handleGetDocument)
	r.Put("/documents/{id}", s.handleUpdateDocument)
	r.Delete("/documents/{id}", s.handleDeleteDocument)
	r.Get("/documents/{id}/embedding", s.handleGetEmbedding)

	r.Post("/process", s.handleProcess)
	r.Get("/stats", s.handleStats)
	r.Get("/errors", s.handleErrors)
	return r
}

type documentRequest struct {
	Content  *string        `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !s.allow(w, r) {
		return
	}

	content := ""
	if req.Content != nil {
		content = *req.Content
	}
	doc, err := s.store.CreateDocument(r.Context(), content, req.Metadata)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.enqueueTrigger(r, doc)
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req documentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !s.allow(w, r) {
		return
	}

	doc, err := s.store.UpdateDocument(r.Context(), id, req.Content, req.Metadata)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Only a content change can make the embedding stale.
	if req.Content != nil {
		s.enqueueTrigger(r, doc)
	}
	writeJSON(w, http.StatusOK, doc)
}

// enqueueTrigger is the fast path: one job per committed content write.
// A concurrent scan may enqueue the same document again; the sidecar upsert
// makes the duplicate harmless.
func (s *Server) enqueueTrigger(r *http.Request, doc models.Document) {
	if doc.Content == "" {
		return
	}
	payload := models.JobPayload{
		DocumentID:      doc.ID,
		ContentSnapshot: doc.Content,
		ContentHash:     doc.ContentHash,
		EnqueuedAt:      time.Now().UTC(),
		Origin:          models.OriginTrigger,
		Priority:        scan.PriorityFor(len(doc.Content), s.cfg.HighPriorityLength),
	}
	if _, err := s.queue.Send(r.Context(), payload); err != nil {
		// The periodic scan will catch this document; record and move on.
		_ = s.store.RecordError(r.Context(), models.ErrorRecord{
			DocumentID: doc.ID,
			Message:    fmt.Sprintf("trigger enqueue: %v", err),
			Function:   "Server.enqueueTrigger",
		})
		return
	}
	telemetry.EnqueueCounter.Inc()
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.store.GetDocument(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.DeleteDocument(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetEmbedding(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	emb, err := s.store.GetEmbedding(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "embedding not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, emb)
}

type processRequest struct {
	BatchSize      int `json:"batch_size"`
	TimeoutSeconds int `json:"timeout_seconds"`
}

// handleProcess runs one drain invocation synchronously. Both the periodic
// scheduler and manual administration use this endpoint.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	opts := worker.Options{BatchSize: req.BatchSize}
	if req.TimeoutSeconds > 0 {
		opts.TimeBudget = time.Duration(req.TimeoutSeconds) * time.Second
	}
	report := s.drainer.Drain(r.Context(), opts)
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &hours); err != nil || hours <= 0 {
			http.Error(w, "invalid hours", http.StatusBadRequest)
			return
		}
	}
	recs, err := s.store.RecentErrors(r.Context(), time.Duration(hours)*time.Hour, 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": recs})
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	key := fmt.Sprintf("rl:%s", tenantFromRequest(r))
	allowed, _, err := s.limiter.Allow(r.Context(), key)
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
