// Package ratelimit provides keyed token-bucket limiting for the two
// outward-facing edges of the daemon: polls against the trade outcome
// source and operator requests against the command API.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter maintains one token bucket per key. Keys are caller-defined:
// the observer uses the source name, the API middleware uses the remote
// client address.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewLimiter creates a keyed limiter with the given per-key rate and burst.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (l *Limiter) getLimiter(key string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[key]
	l.mu.RUnlock()
	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, exists := l.limiters[key]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[key] = limiter
	return limiter
}

// Allow reports whether a request for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	return l.getLimiter(key).Allow()
}

// Wait blocks until a request for key is allowed or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	return l.getLimiter(key).Wait(ctx)
}

// SetRPS updates the sustained rate for every existing bucket.
func (l *Limiter) SetRPS(rps float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rps = rps
	for _, limiter := range l.limiters {
		limiter.SetLimit(rate.Limit(rps))
	}
}

// Stats returns a point-in-time view of every bucket, used by the API
// health endpoint to surface throttling.
func (l *Limiter) Stats() map[string]Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[string]Stats, len(l.limiters))
	for key, limiter := range l.limiters {
		stats[key] = Stats{
			Key:             key,
			RPS:             float64(limiter.Limit()),
			Burst:           limiter.Burst(),
			TokensAvailable: limiter.Tokens(),
		}
	}
	return stats
}

// Stats describes one bucket.
type Stats struct {
	Key             string  `json:"key"`
	RPS             float64 `json:"rps"`
	Burst           int     `json:"burst"`
	TokensAvailable float64 `json:"tokens_available"`
}

// Throttled reports whether the bucket is currently out of tokens.
func (s Stats) Throttled() bool {
	return s.TokensAvailable < 1
}
