// Package ratelimit throttles sync calls per authenticated user.
package ratelimit

import (
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/example/learnsync/internal/platform/api"
	"github.com/example/learnsync/internal/platform/auth"
	"github.com/example/learnsync/internal/platform/httpserver"
)

// Limiter is a token bucket per key. Buckets idle for longer than a full
// refill are dropped on the next sweep.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rate      float64 // tokens per second
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func New(rate float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{buckets: make(map[string]*bucket), rate: rate, burst: burst, now: time.Now}
}

// Allow takes a token for key. When empty it reports how long until the
// next token.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.burst), last: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(float64(l.burst), b.tokens+now.Sub(b.last).Seconds()*l.rate)
	b.last = now

	if b.tokens < 1 {
		if l.rate <= 0 {
			return false, time.Minute
		}
		return false, time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
	}
	b.tokens--
	return true, 0
}

func (l *Limiter) sweep(now time.Time) {
	if l.rate <= 0 {
		return
	}
	idle := time.Duration(float64(l.burst) / l.rate * float64(time.Second))
	if now.Sub(l.lastSweep) < idle {
		return
	}
	for k, b := range l.buckets {
		if now.Sub(b.last) >= idle {
			delete(l.buckets, k)
		}
	}
	l.lastSweep = now
}

// Middleware limits by user id, falling back to the remote address for
// unauthenticated requests. Mount it after auth.RequireUser.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := auth.UserIDFromContext(r.Context())
		if !ok {
			key = remoteHost(r.RemoteAddr)
		}
		if allowed, wait := l.Allow(key); !allowed {
			secs := int(math.Ceil(wait.Seconds()))
			api.RateLimited(w, "RATE_LIMITED", "Too many sync requests", httpserver.RequestIDFromContext(r.Context()), secs)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
