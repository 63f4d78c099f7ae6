package session

import (
	"sync"
	"time"
)

// RateLimiter enforces a fixed-window message rate per device. The limit
// is shared across a device's connections: reconnecting does not reset
// the current window.
//
// Thread Safety: all methods are safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*rateBucket

	// now is swappable for tests.
	now func() time.Time
}

type rateBucket struct {
	windowStart time.Time
	count       int
	violations  int
}

// NewRateLimiter creates a limiter allowing limit messages per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*rateBucket),
		now:     time.Now,
	}
}

// Allow records a message for the device and reports whether it is within
// the current window's budget. Rejected messages count as violations.
func (rl *RateLimiter) Allow(deviceID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b := rl.buckets[deviceID]
	if b == nil {
		b = &rateBucket{windowStart: now}
		rl.buckets[deviceID] = b
	}

	if now.Sub(b.windowStart) >= rl.window {
		b.windowStart = now
		b.count = 0
	}

	b.count++
	if b.count > rl.limit {
		b.violations++
		return false
	}
	return true
}

// Violations returns how many messages the device has had rejected since
// its bucket was created or last forgotten.
func (rl *RateLimiter) Violations(deviceID string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b := rl.buckets[deviceID]; b != nil {
		return b.violations
	}
	return 0
}

// Forget drops the device's bucket, typically after its last connection
// closes.
func (rl *RateLimiter) Forget(deviceID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, deviceID)
}
