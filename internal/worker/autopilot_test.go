package worker

import (
	"context"
	"errors"
	"testing"

	"embedding-sync-pipeline/internal/config"
	"embedding-sync-pipeline/internal/models"
)

type fakeEnqueuer struct {
	calls int
	sent  int
	err   error
}

func (f *fakeEnqueuer) EnqueueStale(context.Context, int) (int, error) {
	f.calls++
	return f.sent, f.err
}

type fakeDrainRunner struct {
	calls  int
	report models.ProcessReport
}

func (f *fakeDrainRunner) Drain(context.Context, Options) models.ProcessReport {
	f.calls++
	return f.report
}

type fakeDepth struct {
	size int
	err  error
}

func (f *fakeDepth) Size(context.Context) (int, error) {
	return f.size, f.err
}

type fakeLock struct {
	held     bool
	acquired int
	released int
}

func (f *fakeLock) TryAcquire(context.Context) (bool, error) {
	f.acquired++
	return !f.held, nil
}

func (f *fakeLock) Release(context.Context) error {
	f.released++
	return nil
}

func autopilotCfg() config.Config {
	return config.Config{LoadThreshold: 1000, ScanBatchSize: 500}
}

func TestTickScansAndDrains(t *testing.T) {
	enq := &fakeEnqueuer{sent: 3}
	drain := &fakeDrainRunner{}
	a := NewAutopilot(autopilotCfg(), &fakeDepth{size: 10}, enq, drain, nil, newFakeSidecar())

	a.Tick(context.Background())
	if enq.calls != 1 {
		t.Fatalf("expected one scan, got %d", enq.calls)
	}
	if drain.calls != 1 {
		t.Fatalf("expected one drain, got %d", drain.calls)
	}
}

func TestTickShedsLoadButStillDrains(t *testing.T) {
	enq := &fakeEnqueuer{}
	drain := &fakeDrainRunner{}
	a := NewAutopilot(autopilotCfg(), &fakeDepth{size: 1000}, enq, drain, nil, newFakeSidecar())

	a.Tick(context.Background())
	if enq.calls != 0 {
		t.Fatalf("scan must be skipped at the load threshold")
	}
	if drain.calls != 1 {
		t.Fatalf("drain must still run under load shedding")
	}
}

func TestTickEndsEarlyWhenQueueUnavailable(t *testing.T) {
	enq := &fakeEnqueuer{}
	drain := &fakeDrainRunner{}
	a := NewAutopilot(autopilotCfg(), &fakeDepth{err: errors.New("queue unavailable")}, enq, drain, nil, newFakeSidecar())

	a.Tick(context.Background())
	if enq.calls != 0 || drain.calls != 0 {
		t.Fatalf("tick should end before scan/drain when the queue is unreachable")
	}
}

func TestTickSwallowsScanFailures(t *testing.T) {
	enq := &fakeEnqueuer{err: errors.New("scan aborted")}
	drain := &fakeDrainRunner{}
	errs := newFakeSidecar()
	a := NewAutopilot(autopilotCfg(), &fakeDepth{size: 10}, enq, drain, nil, errs)

	a.Tick(context.Background())
	if drain.calls != 1 {
		t.Fatalf("scan failure must not block the drain phase")
	}
	if len(errs.errorLog) == 0 {
		t.Fatalf("scan failure should be recorded")
	}
}

func TestTickSkipsScanWhenLockHeldElsewhere(t *testing.T) {
	enq := &fakeEnqueuer{}
	drain := &fakeDrainRunner{}
	lock := &fakeLock{held: true}
	a := NewAutopilot(autopilotCfg(), &fakeDepth{size: 10}, enq, drain, lock, newFakeSidecar())

	a.Tick(context.Background())
	if enq.calls != 0 {
		t.Fatalf("scan must not run without the lease")
	}
	if drain.calls != 1 {
		t.Fatalf("drain runs regardless of the lease")
	}
}

func TestTickReleasesLockAfterScan(t *testing.T) {
	lock := &fakeLock{}
	a := NewAutopilot(autopilotCfg(), &fakeDepth{size: 10}, &fakeEnqueuer{}, &fakeDrainRunner{}, lock, newFakeSidecar())

	a.Tick(context.Background())
	if lock.acquired != 1 || lock.released != 1 {
		t.Fatalf("lease not acquired/released exactly once: %+v", lock)
	}
}
