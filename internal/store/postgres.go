package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"embedding-sync-pipeline/internal/fingerprint"
	"embedding-sync-pipeline/internal/models"
)

// ErrNotFound is returned when a document or embedding does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence of documents, the embedding
// sidecar, and the error log.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool so the queue can share connections.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// CreateDocument inserts a document, stamping its content hash at write time
// so scans never have to re-hash unchanged content.
func (s *Store) CreateDocument(ctx context.Context, content string, metadata map[string]any) (models.Document, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return models.Document{}, fmt.Errorf("marshal metadata: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	hash := ""
	if content != "" {
		hash = fingerprint.Content(content)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (id, content, metadata, content_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, id, content, metaJSON, hash, now)
	if err != nil {
		return models.Document{}, fmt.Errorf("insert document: %w", err)
	}

	return models.Document{
		ID:          id,
		Content:     content,
		Metadata:    metadata,
		ContentHash: hash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// UpdateDocument applies content and/or metadata changes. A nil field leaves
// the stored value untouched. updated_at always advances.
func (s *Store) UpdateDocument(ctx context.Context, id string, content *string, metadata map[string]any) (models.Document, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Document{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	doc, err := scanDocument(tx.QueryRow(ctx, `
		SELECT id, content, metadata, content_hash, created_at, updated_at
		FROM documents WHERE id = $1 FOR UPDATE
	`, id))
	if err != nil {
		return models.Document{}, err
	}

	if content != nil {
		doc.Content = *content
		doc.ContentHash = ""
		if doc.Content != "" {
			doc.ContentHash = fingerprint.Content(doc.Content)
		}
	}
	if metadata != nil {
		doc.Metadata = metadata
	}
	metaJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return models.Document{}, fmt.Errorf("marshal metadata: %w", err)
	}
	doc.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx, `
		UPDATE documents SET content = $2, metadata = $3, content_hash = $4, updated_at = $5
		WHERE id = $1
	`, id, doc.Content, metaJSON, doc.ContentHash, doc.UpdatedAt)
	if err != nil {
		return models.Document{}, fmt.Errorf("update document: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Document{}, fmt.Errorf("commit: %w", err)
	}
	return doc, nil
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (models.Document, error) {
	return scanDocument(s.pool.QueryRow(ctx, `
		SELECT id, content, metadata, content_hash, created_at, updated_at
		FROM documents WHERE id = $1
	`, id))
}

// DeleteDocument removes a document; the sidecar row cascades.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertEmbedding writes the vector and the hash of the content it was
// derived from as one atomic pair. Overwrites any existing row, which is
// what makes redelivered or duplicate jobs harmless.
func (s *Store) UpsertEmbedding(ctx context.Context, documentID, sourceHash string, vector []float32) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_embeddings (document_id, source_hash, embedding, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (document_id) DO UPDATE
		SET source_hash = EXCLUDED.source_hash, embedding = EXCLUDED.embedding, updated_at = now()
	`, documentID, sourceHash, vector)
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

// GetEmbedding fetches the sidecar row for a document.
func (s *Store) GetEmbedding(ctx context.Context, documentID string) (models.Embedding, error) {
	var e models.Embedding
	err := s.pool.QueryRow(ctx, `
		SELECT document_id, source_hash, embedding, updated_at
		FROM document_embeddings WHERE document_id = $1
	`, documentID).Scan(&e.DocumentID, &e.SourceHash, &e.Vector, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Embedding{}, ErrNotFound
	}
	if err != nil {
		return models.Embedding{}, fmt.Errorf("scan embedding: %w", err)
	}
	return e, nil
}

// ListStale returns up to limit documents whose embedding is missing or was
// derived from different content, most recently updated first. Only
// documents with non-empty content are eligible.
func (s *Store) ListStale(ctx context.Context, limit int) ([]models.StaleDocument, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.content, d.content_hash, COALESCE(e.source_hash, ''), length(d.content)
		FROM documents d
		LEFT JOIN document_embeddings e ON e.document_id = d.id
		WHERE d.content <> ''
		  AND (e.document_id IS NULL OR e.source_hash <> d.content_hash)
		ORDER BY d.updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale documents: %w", err)
	}
	defer rows.Close()

	var out []models.StaleDocument
	for rows.Next() {
		var sd models.StaleDocument
		if err := rows.Scan(&sd.ID, &sd.Content, &sd.ContentHash, &sd.StoredHash, &sd.ContentLength); err != nil {
			return nil, fmt.Errorf("scan stale document: %w", err)
		}
		out = append(out, sd)
	}
	return out, rows.Err()
}

// RecordError appends a diagnostic row. Errors here are reported to the
// caller but callers treat them as best-effort.
func (s *Store) RecordError(ctx context.Context, rec models.ErrorRecord) error {
	if rec.Context == nil {
		rec.Context = map[string]any{}
	}
	ctxJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("marshal error context: %w", err)
	}
	var docID any
	if rec.DocumentID != "" {
		docID = rec.DocumentID
	}
	var msgID any
	if rec.QueueMsgID != 0 {
		msgID = rec.QueueMsgID
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO embedding_errors (document_id, message, context, function_name, queue_msg_id, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, docID, rec.Message, ctxJSON, rec.Function, msgID)
	if err != nil {
		return fmt.Errorf("insert error record: %w", err)
	}
	return nil
}

// RecentErrors lists error records newer than the window, newest first.
func (s *Store) RecentErrors(ctx context.Context, window time.Duration, limit int) ([]models.ErrorRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(document_id::text, ''), message, context, function_name, COALESCE(queue_msg_id, 0), created_at
		FROM embedding_errors
		WHERE created_at > $1
		ORDER BY created_at DESC
		LIMIT $2
	`, time.Now().UTC().Add(-window), limit)
	if err != nil {
		return nil, fmt.Errorf("query errors: %w", err)
	}
	defer rows.Close()

	var out []models.ErrorRecord
	for rows.Next() {
		var rec models.ErrorRecord
		var ctxJSON []byte
		if err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.Message, &ctxJSON, &rec.Function, &rec.QueueMsgID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan error record: %w", err)
		}
		_ = json.Unmarshal(ctxJSON, &rec.Context)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Stats computes the monitoring aggregate in one round trip.
func (s *Store) Stats(ctx context.Context) (models.Stats, error) {
	var st models.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM embedding_jobs),
			(SELECT COUNT(*) FROM documents),
			(SELECT COUNT(*) FROM document_embeddings),
			(SELECT COUNT(*) FROM documents d
				JOIN document_embeddings e ON e.document_id = d.id
				WHERE e.source_hash = d.content_hash),
			(SELECT COUNT(*) FROM documents d
				LEFT JOIN document_embeddings e ON e.document_id = d.id
				WHERE d.content <> ''
				  AND (e.document_id IS NULL OR e.source_hash <> d.content_hash)),
			(SELECT COUNT(*) FROM embedding_errors WHERE created_at > now() - interval '1 hour'),
			(SELECT COUNT(*) FROM embedding_errors WHERE created_at > now() - interval '24 hours')
	`).Scan(
		&st.PendingJobs,
		&st.TotalDocuments,
		&st.EmbeddingsCount,
		&st.ValidEmbeddingsCount,
		&st.StaleCount,
		&st.ErrorsLastHour,
		&st.ErrorsLast24h,
	)
	if err != nil {
		return models.Stats{}, fmt.Errorf("query stats: %w", err)
	}
	if st.TotalDocuments > 0 {
		st.CoveragePercent = 100 * float64(st.ValidEmbeddingsCount) / float64(st.TotalDocuments)
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (models.Document, error) {
	var doc models.Document
	var metaJSON []byte
	var hash pgtype.Text

	err := row.Scan(&doc.ID, &doc.Content, &metaJSON, &hash, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, ErrNotFound
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("scan document: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &doc.Metadata); err != nil {
		return models.Document{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if hash.Valid {
		doc.ContentHash = hash.String
	}
	return doc, nil
}
