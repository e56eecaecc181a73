// Package ratelimit provides per-caller token-bucket limiting for the
// mutating API endpoints (manual trigger, cancel, verify).
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter hands out one token bucket per caller key. Keys are whatever the
// transport identifies a caller by, typically the client API key or the
// remote address.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewLimiter creates a keyed limiter with the given refill rate and burst
// capacity per caller.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

// getLimiter returns or creates the bucket for key.
func (l *Limiter) getLimiter(key string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[key]
	l.mu.RUnlock()

	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring the write lock.
	if limiter, exists := l.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[key] = limiter
	return limiter
}

// Allow reports whether the caller identified by key may proceed now.
func (l *Limiter) Allow(key string) bool {
	return l.getLimiter(key).Allow()
}

// Len returns the number of callers currently tracked.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// Reset drops all tracked callers, refilling every bucket.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters = make(map[string]*rate.Limiter)
}
