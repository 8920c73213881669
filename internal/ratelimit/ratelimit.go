// Package ratelimit implements the per-session token bucket from spec.md
// §4.D: burst 1000, refill 100/sec by default. golang.org/x/time/rate
// already is a fractional token bucket, so this package is a thin wrapper
// around rate.Limiter that adds the per-session drop counter the session
// store's observability hooks want, the same shape as the donor's
// internal/relay.RateLimiter wraps one limiter per IP.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBurst       = 1000
	DefaultRefillPerSec = 100
)

// Limiter is a token bucket for a single session's inbound frames.
type Limiter struct {
	lim     *rate.Limiter
	dropped atomic.Int64
}

// New creates a limiter with the given burst and refill-per-second rate.
func New(burst int, refillPerSec float64) *Limiter {
	return &Limiter{lim: rate.NewLimiter(rate.Limit(refillPerSec), burst)}
}

// Default returns a limiter configured with spec.md's default burst/refill.
func Default() *Limiter {
	return New(DefaultBurst, DefaultRefillPerSec)
}

// Allow reports whether a single frame may be admitted right now. A false
// return means the caller should silently drop the frame, per §4.D — rate
// limiting is Policy-class and never surfaces as a Response error.
func (l *Limiter) Allow() bool {
	ok := l.lim.Allow()
	if !ok {
		l.dropped.Add(1)
	}
	return ok
}

// Dropped returns the number of frames this limiter has rejected since
// creation.
func (l *Limiter) Dropped() int64 {
	return l.dropped.Load()
}

// Registry hands out one Limiter per session id, evicting limiters for
// sessions that haven't been touched recently so long-lived hosts don't
// accumulate one limiter per historical session forever.
type Registry struct {
	mu     sync.Mutex
	burst  int
	refill float64
	byID   map[string]*entry
}

type entry struct {
	lim      *Limiter
	lastSeen time.Time
}

// NewRegistry creates a registry that lazily constructs a Limiter per
// session id using burst/refillPerSec, and periodically evicts entries
// idle longer than evictAfter.
func NewRegistry(burst int, refillPerSec float64, evictAfter time.Duration) *Registry {
	r := &Registry{
		burst:  burst,
		refill: refillPerSec,
		byID:   make(map[string]*entry),
	}
	if evictAfter > 0 {
		go r.evictLoop(evictAfter)
	}
	return r
}

func (r *Registry) evictLoop(evictAfter time.Duration) {
	ticker := time.NewTicker(evictAfter)
	defer ticker.Stop()
	for range ticker.C {
		r.mu.Lock()
		for id, e := range r.byID {
			if time.Since(e.lastSeen) > evictAfter {
				delete(r.byID, id)
			}
		}
		r.mu.Unlock()
	}
}

// For returns the Limiter for sessionID, creating one on first use.
func (r *Registry) For(sessionID string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[sessionID]
	if !ok {
		e = &entry{lim: New(r.burst, r.refill)}
		r.byID[sessionID] = e
	}
	e.lastSeen = time.Now()
	return e.lim
}

// Forget removes sessionID's limiter, called when a session is reaped.
func (r *Registry) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, sessionID)
}
