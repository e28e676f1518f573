package lock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLeaseMutualExclusion(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	a := New(client, "scan-lock", time.Minute)
	b := New(client, "scan-lock", time.Minute)

	ok, err := a.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire failed: ok=%v err=%v", ok, err)
	}
	ok, err = b.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("second acquire errored: %v", err)
	}
	if ok {
		t.Fatalf("second holder acquired a held lease")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = b.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after release failed: ok=%v err=%v", ok, err)
	}
}

func TestReleaseDoesNotStealExpiredLease(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	a := New(client, "scan-lock", 50*time.Millisecond)
	if ok, _ := a.TryAcquire(ctx); !ok {
		t.Fatalf("acquire failed")
	}
	mr.FastForward(time.Second)

	b := New(client, "scan-lock", time.Minute)
	if ok, _ := b.TryAcquire(ctx); !ok {
		t.Fatalf("acquire after expiry failed")
	}

	// a's release must not remove b's lease.
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := a.TryAcquire(ctx); ok {
		t.Fatalf("lease should still be held by b")
	}
}
