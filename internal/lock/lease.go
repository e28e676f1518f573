// Package lock provides the named mutual-exclusion lease held around the
// stale-document scan, so only one autopilot instance scans at a time.
// Drain remains safe for concurrent instances; the scan's read-then-write
// duplicate suppression is not, hence the lease.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is a Redis SET NX lock with a TTL. Release only succeeds for the
// holder that acquired it.
type Lease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

// New builds a lease for the given key.
func New(client *redis.Client, key string, ttl time.Duration) *Lease {
	if ttl == 0 {
		ttl = time.Minute
	}
	return &Lease{client: client, key: key, ttl: ttl}
}

// TryAcquire attempts to take the lease. Returns false without error when
// another holder owns it.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Release drops the lease if this instance still holds it. A lease that
// expired and was taken by someone else is left alone.
func (l *Lease) Release(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	token := l.token
	l.token = ""
	return releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
