package scan

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"embedding-sync-pipeline/internal/fingerprint"
	"embedding-sync-pipeline/internal/models"
)

type fakeLister struct {
	stale []models.StaleDocument
	err   error
}

func (f *fakeLister) ListStale(_ context.Context, limit int) ([]models.StaleDocument, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.stale) > limit {
		return f.stale[:limit], nil
	}
	return f.stale, nil
}

type fakeSender struct {
	pending    map[string]struct{}
	sent       []models.JobPayload
	batchSizes []int
	failAfter  int // fail the Nth SendBatch call; 0 disables
	calls      int
}

func (f *fakeSender) PendingDocumentIDs(context.Context) (map[string]struct{}, error) {
	if f.pending == nil {
		return map[string]struct{}{}, nil
	}
	return f.pending, nil
}

func (f *fakeSender) SendBatch(_ context.Context, payloads []models.JobPayload) (int, error) {
	f.calls++
	if f.failAfter > 0 && f.calls >= f.failAfter {
		return 0, errors.New("queue unavailable")
	}
	f.sent = append(f.sent, payloads...)
	f.batchSizes = append(f.batchSizes, len(payloads))
	return len(payloads), nil
}

func staleDoc(id, content string) models.StaleDocument {
	return models.StaleDocument{
		ID:            id,
		Content:       content,
		ContentHash:   fingerprint.Content(content),
		ContentLength: len(content),
	}
}

func TestEnqueueStaleSuppressesPendingDuplicates(t *testing.T) {
	lister := &fakeLister{stale: []models.StaleDocument{
		staleDoc("a", "alpha"),
		staleDoc("b", "beta"),
		staleDoc("c", "gamma"),
	}}
	sender := &fakeSender{pending: map[string]struct{}{"b": {}}}

	e := NewEnqueuer(lister, sender, 4000, 100)
	n, err := e.EnqueueStale(context.Background(), 500)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 jobs, got %d", n)
	}
	for _, p := range sender.sent {
		if p.DocumentID == "b" {
			t.Fatalf("pending document b was re-enqueued")
		}
		if p.Origin != models.OriginScan {
			t.Fatalf("expected scan origin, got %q", p.Origin)
		}
		if p.ContentHash != fingerprint.Content(p.ContentSnapshot) {
			t.Fatalf("payload hash does not match snapshot")
		}
	}
}

func TestEnqueueStaleZeroWork(t *testing.T) {
	sender := &fakeSender{}
	e := NewEnqueuer(&fakeLister{}, sender, 4000, 100)
	n, err := e.EnqueueStale(context.Background(), 500)
	if err != nil || n != 0 {
		t.Fatalf("expected 0 jobs and nil error, got n=%d err=%v", n, err)
	}
	if sender.calls != 0 {
		t.Fatalf("queue touched with zero stale records")
	}
}

func TestEnqueueStaleSubBatches(t *testing.T) {
	var stale []models.StaleDocument
	for i := 0; i < 250; i++ {
		stale = append(stale, staleDoc(fmt.Sprintf("doc-%d", i), "content"))
	}
	lister := &fakeLister{stale: stale}
	sender := &fakeSender{}

	e := NewEnqueuer(lister, sender, 4000, 100)
	n, err := e.EnqueueStale(context.Background(), 500)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n != 250 {
		t.Fatalf("expected 250 jobs, got %d", n)
	}
	want := []int{100, 100, 50}
	if len(sender.batchSizes) != len(want) {
		t.Fatalf("expected %d sub-batches, got %v", len(want), sender.batchSizes)
	}
	for i, w := range want {
		if sender.batchSizes[i] != w {
			t.Fatalf("sub-batch %d: expected %d, got %d", i, w, sender.batchSizes[i])
		}
	}
}

func TestEnqueueStaleReportsPartialProgressOnAbort(t *testing.T) {
	var stale []models.StaleDocument
	for i := 0; i < 150; i++ {
		stale = append(stale, staleDoc(fmt.Sprintf("doc-%d", i), "content"))
	}
	lister := &fakeLister{stale: stale}
	sender := &fakeSender{failAfter: 2}

	e := NewEnqueuer(lister, sender, 4000, 100)
	n, err := e.EnqueueStale(context.Background(), 500)
	if err == nil {
		t.Fatalf("expected abort error")
	}
	if n != 100 {
		t.Fatalf("expected 100 committed before abort, got %d", n)
	}
}

func TestPriorityFor(t *testing.T) {
	if PriorityFor(5000, 4000) != models.PriorityHigh {
		t.Fatalf("long content should be high priority")
	}
	if PriorityFor(100, 4000) != models.PriorityNormal {
		t.Fatalf("short content should be normal priority")
	}
	if PriorityFor(5000, 0) != models.PriorityNormal {
		t.Fatalf("disabled threshold should yield normal priority")
	}
}
