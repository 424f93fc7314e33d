package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrBackendUnavailable is returned by limiters backed by a remote store when
// the store could not be reached in time.
var ErrBackendUnavailable = errors.New("ratelimit: backend unavailable")

type Policy struct {
	Name         string
	Capacity     float64 // bucket capacity (max burst)
	RefillPerSec float64 // tokens added per second
	Unlimited    bool    // never limited, Capacity and RefillPerSec are ignored
}

type Decision struct {
	Allowed    bool
	Unlimited  bool
	Limit      int // bucket capacity, 0 when unlimited
	Remaining  int // whole tokens left after this request
	RetryAfter int // seconds until one more token is available, 0 when allowed
	// ResetUnixSec is when the bucket will be full again, 0 when unlimited.
	ResetUnixSec int64
}

// Limiter takes one token for key under policy p at time now.
type Limiter interface {
	Allow(ctx context.Context, key string, p Policy, now time.Time) (Decision, error)
	Close() error
}

// Decide builds the Decision for a bucket that holds tokens after the
// take attempt at now.
func Decide(p Policy, allowed bool, tokens float64, now time.Time) Decision {
	if p.Unlimited {
		return Decision{Allowed: true, Unlimited: true}
	}
	d := Decision{
		Allowed:      allowed,
		Limit:        int(p.Capacity),
		ResetUnixSec: ResetAt(p, tokens, now),
	}
	if allowed {
		d.Remaining = int(math.Floor(math.Max(tokens, 0)))
		return d
	}
	d.RetryAfter = RetryAfter(p, tokens)
	return d
}

// RetryAfter reports the whole seconds until the bucket holds one token.
func RetryAfter(p Policy, tokens float64) int {
	if p.Unlimited || p.RefillPerSec <= 0 {
		return 0
	}
	missing := 1 - tokens
	if missing <= 0 {
		return 0
	}
	sec := int(math.Ceil(missing / p.RefillPerSec))
	if sec < 1 {
		sec = 1
	}
	return sec
}

// ResetAt estimates when a bucket holding tokens at now is back to capacity.
func ResetAt(p Policy, tokens float64, now time.Time) int64 {
	if p.Unlimited {
		return 0
	}
	need := p.Capacity - tokens
	if need <= 0 || p.RefillPerSec <= 0 {
		return now.Unix()
	}
	sec := need / p.RefillPerSec
	return now.Add(time.Duration(sec * float64(time.Second))).Unix()
}
