package queue

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter is a set of token buckets keyed by an arbitrary string,
// typically the destination host of a delivery. It keeps one remote server
// from absorbing a whole queue's rate budget.
type KeyedLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*keyedEntry
}

type keyedEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewKeyedLimiter creates a limiter allowing perSecond events per key with
// the given burst. A burst below one is raised to one.
func NewKeyedLimiter(perSecond float64, burst int) *KeyedLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &KeyedLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*keyedEntry),
	}
}

// Allow reports whether an event for key may happen now. When it may not,
// retryAfter is how long until the next token is available.
func (k *KeyedLimiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	now := time.Now()

	k.mu.Lock()
	e := k.limiters[key]
	if e == nil {
		e = &keyedEntry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.limiters[key] = e
	}
	e.lastUsed = now
	k.mu.Unlock()

	if e.limiter.AllowN(now, 1) {
		return true, 0
	}
	r := e.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return false, delay
}

// Prune drops limiters idle for longer than idle and returns how many were
// removed.
func (k *KeyedLimiter) Prune(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for key, e := range k.limiters {
		if e.lastUsed.Before(cutoff) {
			delete(k.limiters, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}
