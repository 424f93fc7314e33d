package main

import (
	"context"
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlexKimmel/EdgeAdmit/internal/admission"
	"github.com/AlexKimmel/EdgeAdmit/internal/auth"
	"github.com/AlexKimmel/EdgeAdmit/internal/config"
	"github.com/AlexKimmel/EdgeAdmit/internal/gateway"
	"github.com/AlexKimmel/EdgeAdmit/internal/obs"
	"github.com/AlexKimmel/EdgeAdmit/internal/proxy"
	"github.com/AlexKimmel/EdgeAdmit/internal/ratelimit"
	"github.com/AlexKimmel/EdgeAdmit/internal/ratelimit/memory"
	redislimiter "github.com/AlexKimmel/EdgeAdmit/internal/ratelimit/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const version = "v0.1.0"

func main() {
	configPath := flag.String("config", "./config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := obs.SetupLogger("info")
		boot.Fatal().Err(err).Str("path", *configPath).Msg("load config")
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	logger.Info().Str("version", version).Msg("Setup logger")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	counters := obs.NewCounters(reg)
	metrics := obs.NewMetrics(reg)

	tiers, err := buildTiers(cfg.Limits)
	if err != nil {
		logger.Fatal().Err(err).Msg("build tier table")
	}
	failMode, err := admission.ParseFailMode(cfg.Limits.Backend.FailMode)
	if err != nil {
		logger.Fatal().Err(err).Msg("fail mode")
	}

	resolver := auth.NewResolver(tiers,
		auth.WithTierClaim(cfg.Auth.TierClaim),
		auth.WithSubjectClaim(cfg.Auth.SubjectClaim),
	)

	// the evict hook needs the controller, which needs the limiter
	var ctrl *admission.Controller
	limiter, err := buildLimiter(cfg.Limits, logger, func(key string) { ctrl.RecordEviction(key) })
	if err != nil {
		logger.Fatal().Err(err).Msg("build limiter")
	}
	ctrl = admission.New(resolver, tiers, limiter,
		admission.WithFailMode(failMode),
		admission.WithMetrics(counters),
		admission.WithLogger(logger.With().Str("component", "admission").Logger()),
	)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})

	mux.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc(cfg.Observability.CountersPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(counters.ExportText()))
	})

	mux.Handle("/", downstream(cfg.Upstream, logger))

	skip := map[string]struct{}{
		"/health":                        {},
		"/version":                       {},
		cfg.Observability.PrometheusPath: {},
		cfg.Observability.CountersPath:   {},
	}

	handler := gateway.Chain(
		mux,
		obs.Logger(logger),
		metrics.Middleware(skip),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		gateway.Admission(ctrl,
			auth.NewExtractor(cfg.Auth.Header, cfg.Auth.Scheme, cfg.Auth.ForwardedHeaders),
			time.Now, skip),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	// start
	go func() {
		logger.Info().Str("addr", srv.Addr).Strs("tiers", tiers.Names()).
			Str("backend", cfg.Limits.Backend.Type).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := limiter.Close(); err != nil {
		logger.Error().Err(err).Msg("close limiter")
	}
	logger.Info().Msg("bye")
}

func buildTiers(l config.Limits) (*ratelimit.Tiers, error) {
	policies := make([]ratelimit.Policy, 0, len(l.Tiers))
	for _, name := range l.TierNames() {
		t := l.Tiers[name]
		policies = append(policies, ratelimit.Policy{
			Name:         name,
			Capacity:     t.Capacity,
			RefillPerSec: t.RefillPerSecond,
			Unlimited:    t.Unlimited,
		})
	}
	return ratelimit.NewTiers(policies, l.DefaultTier)
}

func buildLimiter(l config.Limits, logger zerolog.Logger, onEvict func(string)) (ratelimit.Limiter, error) {
	if l.Backend.Type != "redis" {
		store := memory.NewStore(l.Store.MaxEntries,
			memory.WithShards(l.Store.Shards),
			memory.WithEvictHook(onEvict),
		)
		logger.Info().Int("max_entries", store.Cap()).Int("shards", store.Shards()).Msg("in-memory bucket store")
		return memory.New(store), nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     l.Backend.Redis.Addr,
		Password: l.Backend.Redis.Password,
		DB:       l.Backend.Redis.DB,
	})
	opts := []redislimiter.Option{
		redislimiter.WithPrefix(l.Backend.Redis.Prefix),
		redislimiter.WithTimeout(l.Backend.Timeout()),
	}
	if l.Backend.Redis.ServerTime {
		opts = append(opts, redislimiter.WithServerTime())
	}
	rl := redislimiter.New(client, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rl.Load(ctx); err != nil {
		// not fatal: Admit falls back to the fail mode until Redis is reachable
		logger.Warn().Err(err).Str("addr", l.Backend.Redis.Addr).Msg("redis not reachable at startup")
	}
	return rl, nil
}

// downstream is where admitted requests go: the configured upstream, or a
// plain acknowledgement when none is set.
func downstream(u config.Upstream, logger zerolog.Logger) http.Handler {
	if u.URL == "" {
		logger.Warn().Msg("no upstream configured, admitted requests are answered locally")
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"admitted":true}`))
		})
	}
	target, err := url.Parse(u.URL)
	if err != nil {
		logger.Fatal().Err(err).Str("url", u.URL).Msg("upstream url")
	}
	return proxy.Handler(target, u.Timeout(), proxy.NewHTTPTransport())
}
