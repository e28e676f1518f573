package worker

import (
	"context"
	"log"
	"time"

	"embedding-sync-pipeline/internal/config"
	"embedding-sync-pipeline/internal/models"
	"embedding-sync-pipeline/internal/telemetry"
)

// StaleEnqueuer is the scan phase the autopilot drives.
type StaleEnqueuer interface {
	EnqueueStale(ctx context.Context, limit int) (int, error)
}

// DrainRunner is the drain phase the autopilot drives.
type DrainRunner interface {
	Drain(ctx context.Context, opts Options) models.ProcessReport
}

// QueueDepth reports current queue size for the load-shedding guard.
type QueueDepth interface {
	Size(ctx context.Context) (int, error)
}

// ScanLock is the optional cross-instance mutual exclusion around the scan.
type ScanLock interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Autopilot runs the periodic tick: load-shed check, scan/enqueue, drain.
// A tick never lets a failure escape; the next tick always fires.
type Autopilot struct {
	queue    QueueDepth
	enqueuer StaleEnqueuer
	drainer  DrainRunner
	lock     ScanLock // nil for single-instance deployments
	errors   Sidecar

	tickInterval  time.Duration
	loadThreshold int
	scanBatchSize int
}

// NewAutopilot wires the scheduler. lock may be nil.
func NewAutopilot(cfg config.Config, queue QueueDepth, enqueuer StaleEnqueuer, drainer DrainRunner, lock ScanLock, errors Sidecar) *Autopilot {
	a := &Autopilot{
		queue:         queue,
		enqueuer:      enqueuer,
		drainer:       drainer,
		lock:          lock,
		errors:        errors,
		tickInterval:  cfg.TickInterval,
		loadThreshold: cfg.LoadThreshold,
		scanBatchSize: cfg.ScanBatchSize,
	}
	if a.tickInterval == 0 {
		a.tickInterval = 30 * time.Second
	}
	if a.loadThreshold == 0 {
		a.loadThreshold = 1000
	}
	if a.scanBatchSize == 0 {
		a.scanBatchSize = 500
	}
	return a
}

// Run ticks immediately, then on every interval until the context ends.
func (a *Autopilot) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.tickInterval)
	defer ticker.Stop()

	a.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick runs one scan+drain round. Every failure inside it is logged and
// swallowed so the scheduling mechanism itself cannot be taken down.
func (a *Autopilot) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("autopilot: tick panicked: %v", r)
		}
	}()

	size, err := a.queue.Size(ctx)
	if err != nil {
		// Queue unreachable: nothing useful left in this tick.
		log.Printf("autopilot: queue size: %v", err)
		a.recordError(ctx, "Autopilot.Tick", err.Error())
		return
	}
	telemetry.QueueDepthGauge.Set(float64(size))

	if size >= a.loadThreshold {
		telemetry.ScanSkips.Inc()
		log.Printf("autopilot: queue depth %d >= threshold %d, skipping scan", size, a.loadThreshold)
	} else {
		a.scan(ctx)
	}

	// Drain regardless of whether the scan ran; the trigger fast path may
	// have built up backlog on its own.
	report := a.drainer.Drain(ctx, Options{})
	if report.Processed > 0 || report.Errors > 0 {
		log.Printf("autopilot: drained processed=%d errors=%d cycles=%d in %dms",
			report.Processed, report.Errors, report.Cycles, report.ProcessingTimeMS)
	}
}

func (a *Autopilot) scan(ctx context.Context) {
	if a.lock != nil {
		ok, err := a.lock.TryAcquire(ctx)
		if err != nil {
			log.Printf("autopilot: scan lock: %v", err)
			a.recordError(ctx, "Autopilot.scan", "scan lock: "+err.Error())
			return
		}
		if !ok {
			log.Printf("autopilot: scan lock held elsewhere, skipping scan")
			return
		}
		defer func() {
			_ = a.lock.Release(ctx)
		}()
	}

	n, err := a.enqueuer.EnqueueStale(ctx, a.scanBatchSize)
	if n > 0 {
		telemetry.EnqueueCounter.Add(float64(n))
		log.Printf("autopilot: enqueued %d stale documents", n)
	}
	if err != nil {
		log.Printf("autopilot: scan aborted after %d jobs: %v", n, err)
		a.recordError(ctx, "Autopilot.scan", err.Error())
	}
}

func (a *Autopilot) recordError(ctx context.Context, fn, message string) {
	if a.errors == nil {
		return
	}
	_ = a.errors.RecordError(ctx, models.ErrorRecord{Message: message, Function: fn})
}
