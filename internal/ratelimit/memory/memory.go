package memory

import (
	"context"
	"time"

	"github.com/AlexKimmel/EdgeAdmit/internal/ratelimit"
)

// Limiter is the in-process ratelimit.Limiter. Buckets live in a bounded Store
// and are created lazily at full capacity on the first request for a key.
type Limiter struct {
	store *Store
}

// New returns a limiter keeping its buckets in store.
func New(store *Store) *Limiter {
	return &Limiter{store: store}
}

// Store exposes the bucket store, e.g. for Len.
func (l *Limiter) Store() *Store { return l.store }

// Close drops all buckets.
func (l *Limiter) Close() error {
	l.store.Reset()
	return nil
}

func (l *Limiter) Allow(_ context.Context, key string, p ratelimit.Policy, now time.Time) (ratelimit.Decision, error) {
	// unlimited tiers never allocate a bucket
	if p.Unlimited {
		return ratelimit.Decide(p, true, 0, now), nil
	}

	b := l.store.GetOrCreate(key, func() *ratelimit.Bucket {
		return ratelimit.NewBucket(p, now)
	})

	allowed, tokens := b.Take(1, now)
	return ratelimit.Decide(b.Policy(), allowed, tokens, now), nil
}
