package syncclient

import "time"

// Backoff returns the wait before retry number attempt (1-based):
// 1s, 2s, 4s ... capped at 60s. A server Retry-After wins when longer.
func Backoff(attempt int, retryAfter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 7 {
		attempt = 7
	}
	d := time.Duration(1<<(attempt-1)) * time.Second
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	if retryAfter > d {
		return retryAfter
	}
	return d
}
