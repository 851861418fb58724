package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket wraps a rate.Limiter and drives it from a Clock instead of the
// wall clock, so tests can step time explicitly.
//
// The limiter only ever sees a monotonic timeline: forward steps of the Clock
// are added to it and backward steps are ignored, so a clock that jumps back
// neither refills the bucket nor stalls it until real time catches up.
type TokenBucket struct {
	clock Clock

	mu        sync.Mutex
	lim       *rate.Limiter
	lastWall  time.Time
	monotonic time.Time
}

// NewTokenBucket returns a bucket holding up to burst tokens that refills at
// perSecond tokens per second. The bucket starts full.
func NewTokenBucket(clock Clock, burst, perSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	burst = max(burst, 0)
	perSecond = max(perSecond, 0)

	now := clock.Now()
	return &TokenBucket{
		clock:     clock,
		lim:       rate.NewLimiter(rate.Limit(perSecond), int(burst)),
		lastWall:  now,
		monotonic: now,
	}
}

// Allow takes n tokens if they are all available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if step := now.Sub(b.lastWall); step > 0 {
		b.monotonic = b.monotonic.Add(step)
	}
	b.lastWall = now

	if n > int64(b.lim.Burst()) {
		return false
	}
	return b.lim.AllowN(b.monotonic, int(n))
}

// Tokens reports the tokens currently available, including any fraction
// accrued since the last Allow.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	at := b.monotonic
	if step := b.clock.Now().Sub(b.lastWall); step > 0 {
		at = at.Add(step)
	}
	return b.lim.TokensAt(at)
}
