// Package ratelimit provides the per-connection message limiter used by the
// signaling WebSocket.
package ratelimit

import (
	"sync"
	"time"
)

// unit is the number of fixed-point sub-tokens in one token. With one token
// split into 1e9 parts, a rate of N tokens/sec refills N parts per nanosecond.
const unit = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer tokens/sec rate read from a Clock.
//
// A nil *TokenBucket allows everything.
type TokenBucket struct {
	clock Clock
	rate  int64 // tokens/sec, equal to sub-tokens/ns
	max   int64 // sub-tokens

	mu    sync.Mutex
	avail int64 // sub-tokens
	last  time.Time
}

// NewTokenBucket returns a full bucket holding capacity tokens.
func NewTokenBucket(clock Clock, capacity, perSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	b := &TokenBucket{
		clock: clock,
		rate:  max(perSecond, 0),
		max:   toSub(capacity),
		last:  clock.Now(),
	}
	b.avail = b.max
	return b
}

// NewPerSecond returns a bucket admitting perSecond events per second with a
// burst of the same size. perSecond <= 0 yields nil, which allows everything.
func NewPerSecond(clock Clock, perSecond int) *TokenBucket {
	if perSecond <= 0 {
		return nil
	}
	return NewTokenBucket(clock, int64(perSecond), int64(perSecond))
}

// Allow takes n tokens if they are available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if b == nil || n <= 0 {
		return true
	}
	cost := toSub(n)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.clock.Now())
	if b.avail < cost {
		return false
	}
	b.avail -= cost
	return true
}

func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	// A clock that went backwards only moves the reference point.
	if elapsed <= 0 || b.rate == 0 || b.avail >= b.max {
		return
	}
	// Clamp before multiplying so elapsed*rate cannot overflow.
	if elapsed >= (b.max-b.avail)/b.rate {
		b.avail = b.max
		return
	}
	b.avail = min(b.avail+elapsed*b.rate, b.max)
}

func toSub(tokens int64) int64 {
	switch {
	case tokens <= 0:
		return 0
	case tokens > maxInt64/unit:
		return maxInt64
	default:
		return tokens * unit
	}
}
