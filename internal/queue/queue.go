// Package queue implements the durable regeneration job queue on Postgres.
// Delivery is at-least-once: a claimed message stays invisible until its
// visibility deadline, then becomes readable again unless archived.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"embedding-sync-pipeline/internal/models"
)

// Queue is a single-table visibility-timeout queue.
type Queue struct {
	pool *pgxpool.Pool
}

// New wraps a pgx pool. The queue shares the pool with the store.
func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// Send durably persists one job and returns its monotonic message id.
func (q *Queue) Send(ctx context.Context, payload models.JobPayload) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	var msgID int64
	err = q.pool.QueryRow(ctx, `
		INSERT INTO embedding_jobs (payload) VALUES ($1) RETURNING msg_id
	`, body).Scan(&msgID)
	if err != nil {
		return 0, fmt.Errorf("send: %w", err)
	}
	return msgID, nil
}

// SendBatch persists a group of jobs in one transaction. Used by the
// enqueuer's fixed-size sub-batches to bound transaction size.
func (q *Queue) SendBatch(ctx context.Context, payloads []models.JobPayload) (int, error) {
	if len(payloads) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, p := range payloads {
		body, err := json.Marshal(p)
		if err != nil {
			return 0, fmt.Errorf("marshal payload: %w", err)
		}
		batch.Queue(`INSERT INTO embedding_jobs (payload) VALUES ($1)`, body)
	}
	results := q.pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := range payloads {
		if _, err := results.Exec(); err != nil {
			return i, fmt.Errorf("send batch item %d: %w", i, err)
		}
	}
	return len(payloads), nil
}

// Read atomically claims up to batch oldest-visible messages, hiding them
// until now()+visibility and incrementing their read counts. An empty
// result means no work, not an error.
func (q *Queue) Read(ctx context.Context, visibility time.Duration, batch int) ([]models.Message, error) {
	if batch <= 0 {
		return nil, nil
	}
	rows, err := q.pool.Query(ctx, `
		WITH claimed AS (
			SELECT msg_id FROM embedding_jobs
			WHERE vt <= now()
			ORDER BY msg_id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE embedding_jobs j
		SET vt = now() + make_interval(secs => $2), read_ct = j.read_ct + 1
		FROM claimed
		WHERE j.msg_id = claimed.msg_id
		RETURNING j.msg_id, j.read_ct, j.enqueued_at, j.vt, j.payload
	`, batch, visibility.Seconds())
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		var body []byte
		if err := rows.Scan(&m.MsgID, &m.ReadCount, &m.EnqueuedAt, &m.VisibleAt, &body); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		// A payload that does not decode is still delivered; the drain loop
		// dead-letters it rather than losing the row here.
		_ = json.Unmarshal(body, &m.Payload)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Archive permanently removes a message. Returns false when the message is
// already gone, which callers treat the same as success.
func (q *Queue) Archive(ctx context.Context, msgID int64) (bool, error) {
	tag, err := q.pool.Exec(ctx, `DELETE FROM embedding_jobs WHERE msg_id = $1`, msgID)
	if err != nil {
		return false, fmt.Errorf("archive: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeadLetter moves a message to the dead-letter table in one transaction.
func (q *Queue) DeadLetter(ctx context.Context, msgID int64, reason string) (bool, error) {
	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		INSERT INTO embedding_jobs_dead (msg_id, read_ct, enqueued_at, reason, payload)
		SELECT msg_id, read_ct, enqueued_at, $2, payload FROM embedding_jobs WHERE msg_id = $1
		ON CONFLICT (msg_id) DO NOTHING
	`, msgID, reason)
	if err != nil {
		return false, fmt.Errorf("dead-letter insert: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM embedding_jobs WHERE msg_id = $1`, msgID); err != nil {
		return false, fmt.Errorf("dead-letter delete: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Size counts all queued messages, visible and invisible. Used for
// backpressure decisions.
func (q *Queue) Size(ctx context.Context) (int, error) {
	var n int
	if err := q.pool.QueryRow(ctx, `SELECT COUNT(*) FROM embedding_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("size: %w", err)
	}
	return n, nil
}

// PendingDocumentIDs returns the set of document ids with a job anywhere in
// the queue. This is the enqueuer's duplicate-suppression set; it is
// best-effort against concurrent trigger enqueues.
func (q *Queue) PendingDocumentIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := q.pool.Query(ctx, `SELECT DISTINCT payload->>'document_id' FROM embedding_jobs`)
	if err != nil {
		return nil, fmt.Errorf("pending ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id *string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending id: %w", err)
		}
		if id != nil && *id != "" {
			ids[*id] = struct{}{}
		}
	}
	return ids, rows.Err()
}
