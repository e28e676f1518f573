// Package scan converts stale documents into queued regeneration jobs.
// It is the periodic catch-up path; the API's fast path enqueues directly
// on document writes.
package scan

import (
	"context"
	"fmt"
	"time"

	"embedding-sync-pipeline/internal/models"
)

// StaleLister is the change-detector query the enqueuer consumes.
type StaleLister interface {
	ListStale(ctx context.Context, limit int) ([]models.StaleDocument, error)
}

// JobSender is the queue surface the enqueuer consumes.
type JobSender interface {
	PendingDocumentIDs(ctx context.Context) (map[string]struct{}, error)
	SendBatch(ctx context.Context, payloads []models.JobPayload) (int, error)
}

// Enqueuer suppresses duplicates against in-flight jobs and pushes the rest
// of the stale set to the queue in bounded sub-batches.
type Enqueuer struct {
	store StaleLister
	queue JobSender

	highPriorityLength int
	subBatchSize       int
}

// NewEnqueuer builds an enqueuer. highPriorityLength marks payloads above
// that content length with the high priority hint; subBatchSize bounds the
// size of each send transaction.
func NewEnqueuer(store StaleLister, queue JobSender, highPriorityLength, subBatchSize int) *Enqueuer {
	if subBatchSize <= 0 {
		subBatchSize = 100
	}
	return &Enqueuer{
		store:              store,
		queue:              queue,
		highPriorityLength: highPriorityLength,
		subBatchSize:       subBatchSize,
	}
}

// EnqueueStale scans for stale documents and enqueues one job for each that
// does not already have a job pending. It returns how many jobs it sent;
// a non-nil error means the scan aborted partway, with the count reflecting
// what was committed before the abort. Duplicates racing the trigger fast
// path are tolerated: the sidecar upsert is idempotent per hash.
func (e *Enqueuer) EnqueueStale(ctx context.Context, limit int) (int, error) {
	pending, err := e.queue.PendingDocumentIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("pending set: %w", err)
	}

	stale, err := e.store.ListStale(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list stale: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	sent := 0
	batch := make([]models.JobPayload, 0, e.subBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := e.queue.SendBatch(ctx, batch)
		sent += n
		batch = batch[:0]
		return err
	}

	for _, doc := range stale {
		if _, dup := pending[doc.ID]; dup {
			continue
		}
		batch = append(batch, e.payload(doc))
		if len(batch) >= e.subBatchSize {
			if err := flush(); err != nil {
				return sent, fmt.Errorf("send sub-batch: %w", err)
			}
		}
	}
	if err := flush(); err != nil {
		return sent, fmt.Errorf("send sub-batch: %w", err)
	}
	return sent, nil
}

func (e *Enqueuer) payload(doc models.StaleDocument) models.JobPayload {
	return models.JobPayload{
		DocumentID:      doc.ID,
		ContentSnapshot: doc.Content,
		ContentHash:     doc.ContentHash,
		EnqueuedAt:      time.Now().UTC(),
		Origin:          models.OriginScan,
		Priority:        PriorityFor(len(doc.Content), e.highPriorityLength),
	}
}

// PriorityFor maps content length to a payload priority hint.
func PriorityFor(contentLength, highPriorityLength int) string {
	if highPriorityLength > 0 && contentLength > highPriorityLength {
		return models.PriorityHigh
	}
	return models.PriorityNormal
}
