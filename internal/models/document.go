package models

import (
	"time"
)

// Document is a source record whose content drives embedding generation.
type Document struct {
	ID          string         `json:"id"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata"`
	ContentHash string         `json:"content_hash"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Embedding is the derived sidecar row, 1:1 with a document. SourceHash is
// the fingerprint of the content the vector was computed from; the pair is
// always written together.
type Embedding struct {
	DocumentID string    `json:"document_id"`
	SourceHash string    `json:"source_hash"`
	Vector     []float32 `json:"vector"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StaleDocument is one change-detector result: a document whose stored
// sidecar hash is missing or no longer matches its content hash.
type StaleDocument struct {
	ID            string
	Content       string
	ContentHash   string
	StoredHash    string
	ContentLength int
}

// ErrorRecord is one append-only diagnostic row. Never read by the pipeline.
type ErrorRecord struct {
	ID         int64          `json:"id"`
	DocumentID string         `json:"document_id"`
	Message    string         `json:"message"`
	Context    map[string]any `json:"context,omitempty"`
	Function   string         `json:"function_name"`
	QueueMsgID int64          `json:"queue_msg_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Stats is the read-only monitoring aggregate.
type Stats struct {
	PendingJobs          int64   `json:"pending_jobs"`
	TotalDocuments       int64   `json:"total_source_records"`
	EmbeddingsCount      int64   `json:"artifacts_count"`
	ValidEmbeddingsCount int64   `json:"valid_artifacts_count"`
	StaleCount           int64   `json:"stale_count"`
	ErrorsLastHour       int64   `json:"errors_last_hour"`
	ErrorsLast24h        int64   `json:"errors_last_24h"`
	CoveragePercent      float64 `json:"coverage_percent"`
}
