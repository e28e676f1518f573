package worker

import (
	"context"
	"fmt"
	"time"

	"embedding-sync-pipeline/internal/config"
	"embedding-sync-pipeline/internal/embed"
	"embedding-sync-pipeline/internal/fingerprint"
	"embedding-sync-pipeline/internal/models"
	"embedding-sync-pipeline/internal/telemetry"
)

// Jobs is the queue surface the drain loop consumes.
type Jobs interface {
	Read(ctx context.Context, visibility time.Duration, batch int) ([]models.Message, error)
	Archive(ctx context.Context, msgID int64) (bool, error)
	DeadLetter(ctx context.Context, msgID int64, reason string) (bool, error)
	Size(ctx context.Context) (int, error)
}

// Sidecar is the store surface the drain loop consumes.
type Sidecar interface {
	UpsertEmbedding(ctx context.Context, documentID, sourceHash string, vector []float32) error
	RecordError(ctx context.Context, rec models.ErrorRecord) error
}

// Exporter receives dead-lettered messages for out-of-band inspection.
type Exporter interface {
	Export(ctx context.Context, msg models.Message, reason string) error
}

// Drainer claims queue batches and applies them to the embedding sidecar.
// Batch size adapts to queue depth; the loop stops on an empty read or when
// its time budget runs out, whichever comes first.
type Drainer struct {
	queue    Jobs
	store    Sidecar
	embedder embed.Embedder
	exporter Exporter // nil disables dead-letter export

	visibility     time.Duration
	defaultBudget  time.Duration
	maxBatchSize   int
	maxReadCount   int
	fullBatchPause time.Duration
}

// NewDrainer builds a drain loop. exporter may be nil.
func NewDrainer(cfg config.Config, queue Jobs, store Sidecar, embedder embed.Embedder, exporter Exporter) *Drainer {
	d := &Drainer{
		queue:          queue,
		store:          store,
		embedder:       embedder,
		exporter:       exporter,
		visibility:     cfg.VisibilityTimeout,
		defaultBudget:  cfg.DrainTimeBudget,
		maxBatchSize:   cfg.MaxBatchSize,
		maxReadCount:   cfg.MaxReadCount,
		fullBatchPause: cfg.FullBatchPause,
	}
	if d.visibility == 0 {
		d.visibility = 2 * time.Minute
	}
	if d.defaultBudget == 0 {
		d.defaultBudget = time.Minute
	}
	if d.maxBatchSize == 0 {
		d.maxBatchSize = 5
	}
	if d.maxReadCount == 0 {
		d.maxReadCount = 5
	}
	return d
}

// Options overrides for a single drain invocation. Zero values fall back to
// the configured defaults.
type Options struct {
	BatchSize  int
	TimeBudget time.Duration
}

// Drain runs claim/process cycles until the queue reads empty or the time
// budget is spent. The budget is also checked between jobs inside a batch,
// so one cycle overruns by at most a single job.
func (d *Drainer) Drain(ctx context.Context, opts Options) models.ProcessReport {
	start := time.Now()
	budget := opts.TimeBudget
	if budget <= 0 {
		budget = d.defaultBudget
	}

	var report models.ProcessReport
cycles:
	for time.Since(start) < budget {
		batch := opts.BatchSize
		if batch <= 0 {
			size, err := d.queue.Size(ctx)
			if err != nil {
				d.recordError(ctx, models.ErrorRecord{
					Message:  fmt.Sprintf("queue size: %v", err),
					Function: "Drainer.Drain",
				})
				break
			}
			telemetry.QueueDepthGauge.Set(float64(size))
			batch = adaptiveBatchSize(size, d.maxBatchSize)
		}

		msgs, err := d.queue.Read(ctx, d.visibility, batch)
		if err != nil {
			d.recordError(ctx, models.ErrorRecord{
				Message:  fmt.Sprintf("queue read: %v", err),
				Function: "Drainer.Drain",
			})
			break
		}
		if len(msgs) == 0 {
			// No visible work means stop; redelivery will surface anything
			// still claimed elsewhere.
			break
		}

		report.Cycles++
		telemetry.InFlightGauge.Add(float64(len(msgs)))
		for i, msg := range msgs {
			if i > 0 && time.Since(start) >= budget {
				telemetry.InFlightGauge.Sub(float64(len(msgs) - i))
				break cycles
			}
			d.processMessage(ctx, msg, &report)
			telemetry.InFlightGauge.Dec()
		}

		// A full batch suggests more work is pending; back off briefly
		// instead of hot-looping against the queue.
		if len(msgs) == batch && d.fullBatchPause > 0 {
			time.Sleep(d.fullBatchPause)
		}
	}

	elapsed := time.Since(start)
	report.ProcessingTimeMS = elapsed.Milliseconds()
	if secs := elapsed.Seconds(); secs > 0 {
		report.ThroughputPerSec = float64(report.Processed) / secs
	}
	return report
}

// processMessage applies one job. Failures are isolated: they mark the
// report and leave, dead-letter, or archive this message only.
func (d *Drainer) processMessage(ctx context.Context, msg models.Message, report *models.ProcessReport) {
	payload := msg.Payload

	if payload.DocumentID == "" || payload.ContentSnapshot == "" {
		// Retrying cannot fix a malformed payload.
		d.deadLetter(ctx, msg, "malformed payload")
		report.Errors++
		return
	}

	if msg.ReadCount > d.maxReadCount {
		d.deadLetter(ctx, msg, fmt.Sprintf("read count %d exceeds limit %d", msg.ReadCount, d.maxReadCount))
		report.Errors++
		return
	}

	vector, err := d.embedder.Embed(ctx, payload.ContentSnapshot)
	if err != nil {
		d.jobFailed(ctx, msg, fmt.Sprintf("embed: %v", err))
		report.Errors++
		return
	}

	hash := fingerprint.Content(payload.ContentSnapshot)
	if err := d.store.UpsertEmbedding(ctx, payload.DocumentID, hash, vector); err != nil {
		d.jobFailed(ctx, msg, fmt.Sprintf("upsert embedding: %v", err))
		report.Errors++
		return
	}

	// Archive returning false means the message already expired or was
	// archived elsewhere; the upsert made that redundant work, not an error.
	if _, err := d.queue.Archive(ctx, msg.MsgID); err != nil {
		d.jobFailed(ctx, msg, fmt.Sprintf("archive: %v", err))
		report.Errors++
		return
	}
	report.Processed++
	telemetry.ProcessedCounter.Inc()
}

// jobFailed records the failure and leaves the message in the queue for
// visibility-timeout redelivery.
func (d *Drainer) jobFailed(ctx context.Context, msg models.Message, message string) {
	telemetry.FailureCounter.Inc()
	d.recordError(ctx, models.ErrorRecord{
		DocumentID: msg.Payload.DocumentID,
		Message:    message,
		Context: map[string]any{
			"content_length": len(msg.Payload.ContentSnapshot),
			"origin":         msg.Payload.Origin,
			"priority":       msg.Payload.Priority,
			"read_count":     msg.ReadCount,
		},
		Function:   "Drainer.processMessage",
		QueueMsgID: msg.MsgID,
	})
}

func (d *Drainer) deadLetter(ctx context.Context, msg models.Message, reason string) {
	telemetry.DeadLetterCount.Inc()
	if d.exporter != nil {
		if err := d.exporter.Export(ctx, msg, reason); err != nil {
			d.recordError(ctx, models.ErrorRecord{
				DocumentID: msg.Payload.DocumentID,
				Message:    fmt.Sprintf("dead-letter export: %v", err),
				Function:   "Drainer.deadLetter",
				QueueMsgID: msg.MsgID,
			})
		}
	}
	if _, err := d.queue.DeadLetter(ctx, msg.MsgID, reason); err != nil {
		d.recordError(ctx, models.ErrorRecord{
			DocumentID: msg.Payload.DocumentID,
			Message:    fmt.Sprintf("dead-letter: %v", err),
			Function:   "Drainer.deadLetter",
			QueueMsgID: msg.MsgID,
		})
		return
	}
	d.recordError(ctx, models.ErrorRecord{
		DocumentID: msg.Payload.DocumentID,
		Message:    "job dead-lettered: " + reason,
		Context: map[string]any{
			"origin":     msg.Payload.Origin,
			"read_count": msg.ReadCount,
		},
		Function:   "Drainer.deadLetter",
		QueueMsgID: msg.MsgID,
	})
}

func (d *Drainer) recordError(ctx context.Context, rec models.ErrorRecord) {
	// Diagnostics are best-effort; a failing error log must not fail the job path.
	_ = d.store.RecordError(ctx, rec)
}

// adaptiveBatchSize maps queue depth to a claim size. Larger backlogs get
// mildly larger batches, capped so a batch always fits the time budget.
func adaptiveBatchSize(queueSize, maxBatch int) int {
	switch {
	case queueSize <= 10:
		return 1
	case queueSize <= 50:
		return 2
	case queueSize <= 200:
		return 3
	default:
		return maxBatch
	}
}
