package ratelimit

import (
	"sync"
	"time"
)

// Bucket is the token bucket for one identity. All reads and writes of its
// state go through Take, which refills and consumes under one lock.
type Bucket struct {
	mu         sync.Mutex
	policy     Policy
	tokens     float64
	lastRefill time.Time
}

// NewBucket returns a bucket seeded at full capacity.
func NewBucket(p Policy, now time.Time) *Bucket {
	b := &Bucket{policy: p, lastRefill: now}
	if !p.Unlimited {
		b.tokens = p.Capacity
	}
	return b
}

// Policy returns the policy the bucket was created with.
func (b *Bucket) Policy() Policy { return b.policy }

// Take refills the bucket up to now and then tries to remove cost tokens.
// It returns whether the tokens were removed and the balance afterwards.
// A denied take leaves the refilled balance untouched. A non-positive cost
// counts as 1.
func (b *Bucket) Take(cost float64, now time.Time) (bool, float64) {
	if b.policy.Unlimited {
		return true, 0
	}
	if cost <= 0 {
		cost = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// a clock that went backwards adds nothing and does not rewind lastRefill
	if now.After(b.lastRefill) {
		elapsed := now.Sub(b.lastRefill).Seconds()
		b.tokens += elapsed * b.policy.RefillPerSec
		if b.tokens > b.policy.Capacity {
			b.tokens = b.policy.Capacity
		}
		b.lastRefill = now
	}

	if b.tokens >= cost {
		b.tokens -= cost
		return true, b.tokens
	}
	return false, b.tokens
}

// Tokens returns the current balance without refilling.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}
