package ratelimiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mist-chat/go-core/pkg/ids"
)

const evictEvery = 512

// SenderLimiter applies a token bucket per sending identity and
// periodically evicts idle entries. It gates inbound group commands so a
// single noisy peer cannot churn the consensus handlers.
type SenderLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	byKey   map[string]*entry
	hits    uint64
	idleTTL time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a per-sender limiter; returns nil if args are invalid, and a
// nil limiter allows everything.
func New(rps float64, burst int, idleTTL time.Duration) *SenderLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &SenderLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		byKey:   make(map[string]*entry),
		idleTTL: idleTTL,
	}
}

// Allow reports whether one token can be consumed for the sender at now.
func (l *SenderLimiter) Allow(sender ids.Identifier, now time.Time) bool {
	if l == nil || sender.IsZero() {
		return true
	}
	key := sender.Address

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &entry{
			limiter:  rate.NewLimiter(l.limit, l.burst),
			lastSeen: now,
		}
		l.byKey[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%evictEvery == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}

	return allowed
}
