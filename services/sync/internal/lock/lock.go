// Package lock provides the per-user exclusive scope around a sync.
//
// Primary backend: Redis SET NX PX with a random token (env REDIS_DSN), for
// deployments with several sync instances.
// Fallback: an in-process keyed mutex. The Postgres store additionally takes
// a transaction-scoped advisory lock, so the fallback is safe with one
// database even across instances; the Redis lock keeps contention off the
// database.
package lock

import (
	"context"
	"time"
)

// Locker serializes work per key. Different keys never contend.
type Locker interface {
	// Acquire blocks until key is held or ctx is done. The returned release
	// func must be called exactly once.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// NewLocker returns the Redis locker when redisDSN is set, else a local one.
func NewLocker(redisDSN string, ttl time.Duration) Locker {
	if redisDSN != "" {
		return newRedisLocker(redisDSN, ttl)
	}
	return NewLocal()
}
