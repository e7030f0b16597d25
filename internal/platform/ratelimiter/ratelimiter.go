// Package ratelimiter provides a per-key token bucket used to gate
// unauthenticated network input before any expensive work runs on it.
package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultIdleTTL = 10 * time.Minute

// Lazy eviction cadence: idle buckets are swept every sweepEvery calls.
const sweepEvery = 512

// PerKey applies an independent token bucket to each string key,
// typically a remote address. Idle buckets are evicted lazily so the
// map stays bounded by the active key set.
type PerKey struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byKey map[string]*bucket
	calls uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a per-key limiter allowing rps sustained events with the
// given burst. Returns nil if the args are invalid; a nil limiter
// allows everything.
func New(rps float64, burst int, idleTTL time.Duration) *PerKey {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	return &PerKey{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byKey:   make(map[string]*bucket),
	}
}

// Allow reports whether one event is admitted for key at now. Empty
// keys are always admitted.
func (l *PerKey) Allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byKey[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = b
	}
	b.lastSeen = now
	admitted := b.limiter.AllowN(now, 1)

	l.calls++
	if l.calls%sweepEvery == 0 {
		l.evictIdleLocked(now)
	}
	return admitted
}

// Len reports the number of tracked keys.
func (l *PerKey) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}

func (l *PerKey) evictIdleLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for k, b := range l.byKey {
		if b.lastSeen.Before(cutoff) {
			delete(l.byKey, k)
		}
	}
}
