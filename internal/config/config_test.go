package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout())
	assert.Equal(t, 10*time.Second, cfg.Server.WriteTimeout())
	assert.Equal(t, 60*time.Second, cfg.Server.IdleTimeout())
	assert.Equal(t, int64(10<<20), cfg.Server.MaxBody())

	assert.Equal(t, "info", cfg.Observability.LogLevel)
	assert.Equal(t, "/metrics", cfg.Observability.PrometheusPath)
	assert.Equal(t, "/metrics/counters", cfg.Observability.CountersPath)
	assert.Equal(t, 3*time.Second, cfg.Upstream.Timeout())

	assert.Equal(t, "Authorization", cfg.Auth.Header)
	assert.Equal(t, "Bearer", cfg.Auth.Scheme)
	assert.Equal(t, "tier", cfg.Auth.TierClaim)
	assert.Equal(t, "sub", cfg.Auth.SubjectClaim)
	assert.Equal(t, []string{"X-Forwarded-For", "X-Real-IP"}, cfg.Auth.ForwardedHeaders)

	l := cfg.Limits
	assert.Equal(t, "basic", l.DefaultTier)
	assert.Equal(t, []string{"basic", "enterprise", "pro"}, l.TierNames())
	assert.Equal(t, Tier{Capacity: 60, RefillPerSecond: 1}, l.Tiers["basic"])
	assert.Equal(t, Tier{Capacity: 600, RefillPerSecond: 10}, l.Tiers["pro"])
	assert.True(t, l.Tiers["enterprise"].Unlimited)
	assert.Equal(t, 10_000, l.Store.MaxEntries)
	assert.Equal(t, 1, l.Store.Shards)
	assert.Equal(t, "memory", l.Backend.Type)
	assert.Equal(t, "open", l.Backend.FailMode)
	assert.Equal(t, 50*time.Millisecond, l.Backend.Timeout())
	assert.Equal(t, "localhost:6379", l.Backend.Redis.Addr)
	assert.Equal(t, "edgeadmit:", l.Backend.Redis.Prefix)
}

func TestParse_FullFile(t *testing.T) {
	raw := `
server:
  addr: ":9000"
  read_timeout_ms: 1500
observability:
  log_level: debug
upstream:
  url: http://backend.internal:8081
  timeout_ms: 700
auth:
  header: X-Token
  scheme: Token
  tier_claim: plan
limits:
  default_tier: free
  tiers:
    free:
      capacity: 10
      refill_per_second: 0.5
    partner:
      unlimited: true
  store:
    max_entries: 500
    shards: 4
  backend:
    type: redis
    fail_mode: closed
    timeout_ms: 20
    redis:
      addr: redis:6379
      db: 2
      server_time: true
`
	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 1500*time.Millisecond, cfg.Server.ReadTimeout())
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
	assert.Equal(t, "http://backend.internal:8081", cfg.Upstream.URL)
	assert.Equal(t, 700*time.Millisecond, cfg.Upstream.Timeout())
	assert.Equal(t, "X-Token", cfg.Auth.Header)
	assert.Equal(t, "Token", cfg.Auth.Scheme)
	assert.Equal(t, "plan", cfg.Auth.TierClaim)

	l := cfg.Limits
	assert.Equal(t, "free", l.DefaultTier)
	assert.Equal(t, []string{"free", "partner"}, l.TierNames())
	assert.Equal(t, 0.5, l.Tiers["free"].RefillPerSecond)
	assert.Equal(t, 500, l.Store.MaxEntries)
	assert.Equal(t, 4, l.Store.Shards)
	assert.Equal(t, "redis", l.Backend.Type)
	assert.Equal(t, "closed", l.Backend.FailMode)
	assert.Equal(t, 20*time.Millisecond, l.Backend.Timeout())
	assert.Equal(t, "redis:6379", l.Backend.Redis.Addr)
	assert.Equal(t, 2, l.Backend.Redis.DB)
	assert.True(t, l.Backend.Redis.ServerTime)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		errMsg string
	}{
		{"unknown default tier", "limits: {default_tier: gold}", "default tier"},
		{"zero capacity", "limits: {default_tier: a, tiers: {a: {capacity: 0, refill_per_second: 1}}}", "capacity"},
		{"zero refill", "limits: {default_tier: a, tiers: {a: {capacity: 5}}}", "refill_per_second"},
		{"negative max entries", "limits: {store: {max_entries: -1}}", "max_entries"},
		{"negative shards", "limits: {store: {shards: -2}}", "shards"},
		{"too many shards", "limits: {store: {max_entries: 4, shards: 8}}", "exceeds max_entries"},
		{"bad backend", "limits: {backend: {type: memcached}}", "backend.type"},
		{"bad fail mode", "limits: {backend: {fail_mode: maybe}}", "fail_mode"},
		{"relative upstream", "upstream: {url: /just/a/path}", "upstream.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestParse_BadYAML(t *testing.T) {
	_, err := Parse([]byte("server: [unclosed"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "parse")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: {addr: ':7070'}\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
