// Package ratelimit provides the per-sender token bucket used by
// Admission to throttle a single user's inbound message rate.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per sender, created lazily.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewLimiter creates a Limiter applying rps/burst to every sender it sees.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (l *Limiter) bucket(senderID string) *rate.Limiter {
	l.mu.RLock()
	b, ok := l.limiters[senderID]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.limiters[senderID]; ok {
		return b
	}
	b = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[senderID] = b
	return b
}

// Allow reports whether senderID has a token available right now,
// consuming it if so. Admission uses this (not Wait) since the pipeline
// must reject over the limit rather than block the caller.
func (l *Limiter) Allow(senderID string) bool {
	return l.bucket(senderID).Allow()
}

// Wait blocks until senderID has a token available or ctx is done.
// Exposed for callers (tests, backpressure-tolerant batch paths) that
// want to wait rather than reject.
func (l *Limiter) Wait(ctx context.Context, senderID string) error {
	return l.bucket(senderID).Wait(ctx)
}

// Stats is a snapshot of one sender's bucket.
type Stats struct {
	SenderID        string
	RPS             float64
	Burst           int
	TokensAvailable float64
}

// Stats returns a snapshot for senderID without consuming a token.
func (l *Limiter) Stats(senderID string) Stats {
	b := l.bucket(senderID)
	return Stats{
		SenderID:        senderID,
		RPS:             float64(b.Limit()),
		Burst:           b.Burst(),
		TokensAvailable: b.Tokens(),
	}
}

// SetRate updates rps/burst for every bucket already created and for any
// created afterward.
func (l *Limiter) SetRate(rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rps = rps
	l.burst = burst
	for _, b := range l.limiters {
		b.SetLimit(rate.Limit(rps))
		b.SetBurst(burst)
	}
}

// Forget drops senderID's bucket, reclaiming memory for senders who have
// gone quiet. Safe to call periodically from a janitor goroutine.
func (l *Limiter) Forget(senderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, senderID)
}
