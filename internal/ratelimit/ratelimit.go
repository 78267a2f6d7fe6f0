// Package ratelimit implements a per-key token bucket limiter for the HTTP API.
// Safe for concurrent use. Idle buckets are pruned lazily on Allow.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a key has exhausted its bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int // 0 = unlimited (Allow always succeeds).
	BurstSize         int // 0 = defaults to RequestsPerMinute.
}

// Limiter holds one bucket per key; one caller cannot exhaust another's quota.
type Limiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*entry
	pruned  time.Time
}

type entry struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLimiter creates a limiter. With RequestsPerMinute 0 Allow always succeeds.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:   burst,
		idle:    10 * time.Minute,
		now:     time.Now,
		buckets: make(map[string]*entry),
	}
}

// Allow consumes one token for key, or returns ErrRateLimited.
func (l *Limiter) Allow(key string) error {
	if l.limit <= 0 {
		return nil
	}
	now := l.now()

	l.mu.Lock()
	e, ok := l.buckets[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = e
	}
	e.seen = now
	if now.Sub(l.pruned) > l.idle {
		l.prune(now)
	}
	l.mu.Unlock()

	if !e.lim.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// prune drops buckets idle longer than l.idle. Callers hold l.mu.
func (l *Limiter) prune(now time.Time) {
	for k, e := range l.buckets {
		if now.Sub(e.seen) > l.idle {
			delete(l.buckets, k)
		}
	}
	l.pruned = now
}
