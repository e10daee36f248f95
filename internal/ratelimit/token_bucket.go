package ratelimit

import (
	"sync"
	"time"
)

const nanoTokensPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) using fixed-point
// nano-tokens: one token is 1e9 nano-tokens, so a rate of X tokens/sec adds X
// nano-tokens per elapsed nanosecond.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // nano-tokens
	rate     int64 // tokens/sec == nano-tokens/ns

	available int64
	last      time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capacity := toNano(capacityTokens)
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      max(fillRate, 0),
		available: capacity,
		last:      clock.Now(),
	}
}

// NewMessageLimiter returns a bucket that admits perSecond messages per second
// with a burst of the same size, or nil when perSecond <= 0 (unlimited).
func NewMessageLimiter(clock Clock, perSecond int) *TokenBucket {
	if perSecond <= 0 {
		return nil
	}
	return NewTokenBucket(clock, int64(perSecond), int64(perSecond))
}

// Allow consumes tokens if available. A nil bucket and tokens <= 0 always
// succeed.
func (b *TokenBucket) Allow(tokens int64) bool {
	if b == nil || tokens <= 0 {
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
	if !now.After(b.last) {
		// Time went backwards or did not move.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if b.rate == 0 || b.available >= b.capacity {
		b.available = min(b.available, b.capacity)
		return
	}

	// Clamp before multiplying so elapsed*rate cannot overflow.
	need := b.capacity - b.available
	if elapsed >= need/b.rate+1 {
		b.available = b.capacity
		return
	}
	b.available = min(b.available+elapsed*b.rate, b.capacity)
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
