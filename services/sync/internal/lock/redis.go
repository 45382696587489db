package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "learnsync:lock:"
	retryBackoff = 25 * time.Millisecond
)

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type redisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func newRedisLocker(dsn string, ttl time.Duration) *redisLocker {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		opts = &redis.Options{Addr: dsn}
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &redisLocker{client: redis.NewClient(opts), ttl: ttl}
}

func redisKey(key string) string { return keyPrefix + key }

func (r *redisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	k := redisKey(key)
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if ok {
			break
		}
		t := time.NewTimer(retryBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	return func() {
		// The caller's ctx may already be expired; release on a fresh one.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// On failure the key still expires after ttl.
		_ = releaseScript.Run(rctx, r.client, []string{k}, token).Err()
	}, nil
}

// Ping checks the Redis connection for readiness probes.
func (r *redisLocker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client's connections.
func (r *redisLocker) Close() error { return r.client.Close() }
