// Package ratelimit throttles inbound signaling traffic per connection.
package ratelimit

import (
	"sync"
	"time"
)

// One token is 1e9 nano-tokens, so a rate of X tokens/sec adds exactly X
// nano-tokens per elapsed nanosecond and no floats are needed.
const nanoTokensPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) against a Clock.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capacity = max(capacity, 0)
	rate = max(rate, 0)
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: toNano(capacity),
		last:      clock.Now(),
	}
}

// NewPerSecond allows a burst of perSecond messages and refills at the same
// rate, which is how per-connection message limits are configured.
func NewPerSecond(clock Clock, perSecond int) *TokenBucket {
	return NewTokenBucket(clock, int64(perSecond), int64(perSecond))
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last).Nanoseconds()
	// A clock that steps backwards only moves the reference point.
	b.last = now
	if elapsed <= 0 || b.rate <= 0 || b.capacity <= 0 {
		return
	}

	full := toNano(b.capacity)
	need := full - b.available
	if need <= 0 {
		b.available = full
		return
	}
	// Clamp before multiplying so elapsed*rate cannot overflow.
	if elapsed >= need/b.rate {
		b.available = full
		return
	}
	b.available = min(b.available+elapsed*b.rate, full)
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
