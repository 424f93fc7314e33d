// Package admission decides whether an inbound request may proceed.
//
// A Controller resolves the caller's identity and tier, takes one token from
// the caller's bucket and turns the outcome into a ratelimit.Decision. Admit
// always returns a decision: limiter failures are resolved by the configured
// FailMode and metrics failures are only logged.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AlexKimmel/EdgeAdmit/internal/auth"
	"github.com/AlexKimmel/EdgeAdmit/internal/ratelimit"
	"github.com/rs/zerolog"
)

// Counter names recorded by the controller.
const (
	CounterAllowed       = "admission_allowed_total"
	CounterLimited       = "admission_limited_total"
	CounterBackendErrors = "admission_backend_errors_total"
	CounterAnonymous     = "admission_anonymous_total"
	CounterEvictions     = "admission_store_evictions_total"
)

// MetricsSink receives outcome counters.
type MetricsSink interface {
	Increment(name string, delta float64) error
}

// FailMode picks the decision when the limiter cannot answer.
type FailMode int

const (
	FailOpen FailMode = iota
	FailClosed
)

func (m FailMode) String() string {
	if m == FailClosed {
		return "closed"
	}
	return "open"
}

// ParseFailMode accepts "open" and "closed".
func ParseFailMode(s string) (FailMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "open":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("admission: unknown fail mode %q", s)
	}
}

// Result is a Decision together with the identity it was made for.
type Result struct {
	ratelimit.Decision
	Identity auth.Identity
	// Degraded is set when the limiter failed and FailMode decided.
	Degraded bool
}

type Controller struct {
	resolver *auth.Resolver
	tiers    *ratelimit.Tiers
	limiter  ratelimit.Limiter
	metrics  MetricsSink
	failMode FailMode
	logger   zerolog.Logger
}

type Option func(*Controller)

func WithFailMode(m FailMode) Option {
	return func(c *Controller) { c.failMode = m }
}

func WithMetrics(m MetricsSink) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New builds a controller. Without options it fails open, records no
// metrics and logs nothing.
func New(resolver *auth.Resolver, tiers *ratelimit.Tiers, limiter ratelimit.Limiter, opts ...Option) *Controller {
	c := &Controller{
		resolver: resolver,
		tiers:    tiers,
		limiter:  limiter,
		logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Admit decides req at time now.
func (c *Controller) Admit(ctx context.Context, req auth.Request, now time.Time) Result {
	id := c.resolver.Resolve(req)
	policy := c.tiers.Resolve(id.Tier)

	if id.Source == auth.SourceAnonymous {
		c.count(CounterAnonymous)
		c.logger.Debug().Str("key", id.Key).Msg("no credential subject or address, using one-off key")
	}

	res := Result{Identity: id}
	dec, err := c.limiter.Allow(ctx, bucketKey(policy, id), policy, now)
	if err != nil {
		c.count(CounterBackendErrors)
		dec = c.fallback(policy, now)
		res.Degraded = true
		ev := c.logger.Warn().Err(err).Str("tier", policy.Name).Stringer("fail_mode", c.failMode)
		if errors.Is(err, context.DeadlineExceeded) {
			ev = ev.Bool("timeout", true)
		}
		ev.Msg("rate limiter unavailable")
	}
	res.Decision = dec

	if dec.Allowed {
		c.count(CounterAllowed)
	} else {
		c.count(CounterLimited)
	}
	return res
}

// RecordEviction counts a store eviction. It is meant as a store evict hook.
func (c *Controller) RecordEviction(key string) {
	c.count(CounterEvictions)
	c.logger.Debug().Str("key", key).Msg("bucket evicted")
}

// fallback decides without bucket state: fail-closed treats the bucket as
// empty, fail-open as full.
func (c *Controller) fallback(p ratelimit.Policy, now time.Time) ratelimit.Decision {
	if p.Unlimited {
		return ratelimit.Decide(p, true, 0, now)
	}
	if c.failMode == FailClosed {
		return ratelimit.Decision{
			Allowed:      false,
			Limit:        int(p.Capacity),
			RetryAfter:   ratelimit.RetryAfter(p, 0),
			ResetUnixSec: ratelimit.ResetAt(p, 0, now),
		}
	}
	return ratelimit.Decision{
		Allowed:      true,
		Limit:        int(p.Capacity),
		Remaining:    int(p.Capacity),
		ResetUnixSec: now.Unix(),
	}
}

func (c *Controller) count(name string) {
	if c.metrics == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn().Interface("panic", r).Str("counter", name).Msg("metrics increment panicked")
		}
	}()
	if err := c.metrics.Increment(name, 1); err != nil {
		c.logger.Debug().Err(err).Str("counter", name).Msg("metrics increment failed")
	}
}

// bucketKey scopes the identity by tier so a caller whose tier changes gets a
// bucket sized for the new tier.
func bucketKey(p ratelimit.Policy, id auth.Identity) string {
	return p.Name + "/" + id.Key
}
