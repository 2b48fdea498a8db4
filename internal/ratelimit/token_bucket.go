package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so limits are deterministic under test.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket is a token bucket refilling at an integer rate (tokens/sec).
//
// Elapsed time is accounted in nanoseconds so sub-token refill is never lost
// to rounding between closely spaced calls.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	fillRate int64 // tokens/sec

	availableNanos int64 // nanosecond-scaled tokens: 1 token == 1e9
	last           time.Time
}

const nanosPerToken = int64(time.Second)

func NewTokenBucket(clock Clock, capacity, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}
	return &TokenBucket{
		clock:          clock,
		capacity:       capacity,
		fillRate:       fillRate,
		availableNanos: capacity * nanosPerToken,
		last:           clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.availableNanos < nanosPerToken {
		return false
	}
	b.availableNanos -= nanosPerToken
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last)
	b.last = now

	if b.fillRate <= 0 || b.capacity <= 0 {
		return
	}

	capacityNanos := b.capacity * nanosPerToken
	if b.availableNanos >= capacityNanos {
		b.availableNanos = capacityNanos
		return
	}

	// fillRate tokens/sec equals fillRate nano-tokens per nanosecond, so the
	// product below cannot overflow before elapsed reaches ~292 years / rate.
	need := capacityNanos - b.availableNanos
	gained := elapsed.Nanoseconds() * b.fillRate
	if gained < 0 || gained >= need {
		b.availableNanos = capacityNanos
		return
	}
	b.availableNanos += gained
}
