// Package redis implements ratelimit.Limiter on a shared Redis deployment so
// that every gateway replica draws from the same bucket per identity.
//
// Each call runs one Lua script that refills, consumes and writes back the
// bucket atomically on the server. Keys carry a Redis Cluster hash tag and
// expire once an idle bucket would have refilled to capacity anyway.
//
// Calls are bounded by the limiter timeout. Errors wrap
// ratelimit.ErrBackendUnavailable; choosing fail-open or fail-closed is left
// to the caller.
package redis

import (
	"context"
	_ "embed"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/AlexKimmel/EdgeAdmit/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

//go:embed token_bucket.lua
var tokenBucketSource string

var tokenBucketScript = goredis.NewScript(tokenBucketSource)

const (
	defaultPrefix  = "edgeadmit:"
	defaultTimeout = 50 * time.Millisecond
)

type Limiter struct {
	client     goredis.UniversalClient
	prefix     string
	timeout    time.Duration
	serverTime bool
}

type Option func(*Limiter)

// WithPrefix sets the key prefix (default "edgeadmit:").
func WithPrefix(p string) Option {
	return func(l *Limiter) { l.prefix = p }
}

// WithTimeout bounds every Redis round trip (default 50ms).
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithServerTime makes the script read the Redis clock instead of the time
// passed to Allow, so replicas with skewed clocks agree on refill.
func WithServerTime() Option {
	return func(l *Limiter) { l.serverTime = true }
}

// New wraps client. Call Load before serving traffic to fail fast on a bad
// address.
func New(client goredis.UniversalClient, opts ...Option) *Limiter {
	l := &Limiter{
		client:  client,
		prefix:  defaultPrefix,
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Load checks connectivity and caches the script on the server so later
// calls only send its hash.
func (l *Limiter) Load(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ratelimit.ErrBackendUnavailable, err)
	}
	if err := tokenBucketScript.Load(ctx, l.client).Err(); err != nil {
		return fmt.Errorf("%w: load script: %w", ratelimit.ErrBackendUnavailable, err)
	}
	return nil
}

// Reset deletes the bucket for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.keyFor(key)).Err()
}

func (l *Limiter) Close() error { return l.client.Close() }

// Allow takes one token from the shared bucket for key.
func (l *Limiter) Allow(ctx context.Context, key string, p ratelimit.Policy, now time.Time) (ratelimit.Decision, error) {
	if p.Unlimited {
		return ratelimit.Decide(p, true, 0, now), nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	useServerTime := "0"
	if l.serverTime {
		useServerTime = "1"
	}

	res, err := tokenBucketScript.Run(ctx, l.client, []string{l.keyFor(key)},
		p.Capacity,
		p.RefillPerSec,
		float64(now.UnixMicro())/1e6,
		1,
		ttlFor(p),
		useServerTime,
	).Result()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("%w: %w", ratelimit.ErrBackendUnavailable, err)
	}

	allowed, tokens, err := parseResult(res)
	if err != nil {
		return ratelimit.Decision{}, err
	}
	return ratelimit.Decide(p, allowed, tokens, now), nil
}

// keyFor wraps key in a hash tag so a Redis Cluster always routes one
// identity to one slot.
func (l *Limiter) keyFor(key string) string {
	return l.prefix + "{" + key + "}"
}

// ttlFor is twice the time an empty bucket needs to refill, in whole seconds.
func ttlFor(p ratelimit.Policy) int64 {
	if p.RefillPerSec <= 0 {
		return 1
	}
	ttl := int64(math.Ceil(2 * p.Capacity / p.RefillPerSec))
	if ttl < 1 {
		ttl = 1
	}
	return ttl
}

func parseResult(res any) (bool, float64, error) {
	values, ok := res.([]any)
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("redis: invalid script response %T", res)
	}
	allowed, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("redis: invalid allowed flag %T", values[0])
	}
	var tokens float64
	switch v := values[1].(type) {
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return false, 0, fmt.Errorf("redis: invalid token balance %q: %w", v, err)
		}
		tokens = f
	case int64:
		tokens = float64(v)
	default:
		return false, 0, fmt.Errorf("redis: invalid token balance %T", values[1])
	}
	return allowed == 1, tokens, nil
}
