package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation error returned from Load.
var ErrInvalid = errors.New("config: invalid")

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
	CountersPath   string `yaml:"counters_path"`   // plain "<name> <value>" lines
}

type Upstream struct {
	URL       string `yaml:"url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type Auth struct {
	Header           string   `yaml:"header"`
	Scheme           string   `yaml:"scheme"`
	TierClaim        string   `yaml:"tier_claim"`
	SubjectClaim     string   `yaml:"subject_claim"`
	ForwardedHeaders []string `yaml:"forwarded_headers"`
}

type Tier struct {
	Capacity        float64 `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
	Unlimited       bool    `yaml:"unlimited"`
}

type Store struct {
	MaxEntries int `yaml:"max_entries"`
	Shards     int `yaml:"shards"` // >1 trades exact global LRU for less lock contention
}

type Redis struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	Prefix     string `yaml:"prefix"`
	ServerTime bool   `yaml:"server_time"`
}

type Backend struct {
	Type      string `yaml:"type"`      // "memory" or "redis"
	FailMode  string `yaml:"fail_mode"` // "open" or "closed"
	TimeoutMS int    `yaml:"timeout_ms"`
	Redis     Redis  `yaml:"redis"`
}

type Limits struct {
	DefaultTier string          `yaml:"default_tier"`
	Tiers       map[string]Tier `yaml:"tiers"`
	Store       Store           `yaml:"store"`
	Backend     Backend         `yaml:"backend"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Upstream      Upstream      `yaml:"upstream"`
	Auth          Auth          `yaml:"auth"`
	Limits        Limits        `yaml:"limits"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

func (u Upstream) Timeout() time.Duration {
	return time.Duration(u.TimeoutMS) * time.Millisecond
}

func (b Backend) Timeout() time.Duration {
	return time.Duration(b.TimeoutMS) * time.Millisecond
}

// TierNames returns the configured tier names in sorted order.
func (l Limits) TierNames() []string {
	names := make([]string, 0, len(l.Tiers))
	for n := range l.Tiers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes YAML, fills defaults and validates.
func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Root) applyDefaults() {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Observability.CountersPath == "" {
		cfg.Observability.CountersPath = "/metrics/counters"
	}
	if cfg.Upstream.TimeoutMS <= 0 {
		cfg.Upstream.TimeoutMS = 3000
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "Authorization"
	}
	if cfg.Auth.Scheme == "" {
		cfg.Auth.Scheme = "Bearer"
	}
	if cfg.Auth.TierClaim == "" {
		cfg.Auth.TierClaim = "tier"
	}
	if cfg.Auth.SubjectClaim == "" {
		cfg.Auth.SubjectClaim = "sub"
	}
	if len(cfg.Auth.ForwardedHeaders) == 0 {
		cfg.Auth.ForwardedHeaders = []string{"X-Forwarded-For", "X-Real-IP"}
	}

	l := &cfg.Limits
	if len(l.Tiers) == 0 {
		l.Tiers = map[string]Tier{
			"basic":      {Capacity: 60, RefillPerSecond: 1},
			"pro":        {Capacity: 600, RefillPerSecond: 10},
			"enterprise": {Unlimited: true},
		}
	}
	if l.DefaultTier == "" {
		l.DefaultTier = "basic"
	}
	if l.Store.MaxEntries == 0 {
		l.Store.MaxEntries = 10_000
	}
	// one shard keeps eviction in exact global LRU order
	if l.Store.Shards == 0 {
		l.Store.Shards = 1
	}
	if l.Backend.Type == "" {
		l.Backend.Type = "memory"
	}
	if l.Backend.FailMode == "" {
		l.Backend.FailMode = "open"
	}
	if l.Backend.TimeoutMS <= 0 {
		l.Backend.TimeoutMS = 50
	}
	if l.Backend.Redis.Addr == "" {
		l.Backend.Redis.Addr = "localhost:6379"
	}
	if l.Backend.Redis.Prefix == "" {
		l.Backend.Redis.Prefix = "edgeadmit:"
	}
}

// Validate reports the first problem found, wrapped in ErrInvalid.
func (cfg *Root) Validate() error {
	l := cfg.Limits
	if _, ok := l.Tiers[l.DefaultTier]; !ok {
		return fmt.Errorf("%w: default tier %q is not in limits.tiers", ErrInvalid, l.DefaultTier)
	}
	for _, name := range l.TierNames() {
		t := l.Tiers[name]
		if t.Unlimited {
			continue
		}
		if t.Capacity <= 0 {
			return fmt.Errorf("%w: tier %q: capacity must be > 0 (or set unlimited)", ErrInvalid, name)
		}
		if t.RefillPerSecond <= 0 {
			return fmt.Errorf("%w: tier %q: refill_per_second must be > 0 (or set unlimited)", ErrInvalid, name)
		}
	}
	if l.Store.MaxEntries < 1 {
		return fmt.Errorf("%w: limits.store.max_entries must be >= 1", ErrInvalid)
	}
	if l.Store.Shards < 1 {
		return fmt.Errorf("%w: limits.store.shards must be >= 1", ErrInvalid)
	}
	if l.Store.Shards > l.Store.MaxEntries {
		return fmt.Errorf("%w: limits.store.shards (%d) exceeds max_entries (%d)", ErrInvalid, l.Store.Shards, l.Store.MaxEntries)
	}
	switch l.Backend.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("%w: limits.backend.type %q (want memory or redis)", ErrInvalid, l.Backend.Type)
	}
	switch l.Backend.FailMode {
	case "open", "closed":
	default:
		return fmt.Errorf("%w: limits.backend.fail_mode %q (want open or closed)", ErrInvalid, l.Backend.FailMode)
	}
	if cfg.Upstream.URL != "" {
		u, err := url.Parse(cfg.Upstream.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: upstream.url %q is not an absolute URL", ErrInvalid, cfg.Upstream.URL)
		}
	}
	return nil
}
