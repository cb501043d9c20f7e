package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ngurrapathways/edge/internal/auth"
	"github.com/ngurrapathways/edge/internal/cache"
	"github.com/ngurrapathways/edge/internal/config"
	"github.com/ngurrapathways/edge/internal/gateway"
	"github.com/ngurrapathways/edge/internal/obs"
	"github.com/ngurrapathways/edge/internal/proxy"
	"github.com/ngurrapathways/edge/internal/ratelimit"
	"github.com/ngurrapathways/edge/internal/ratelimit/memory"
	redislimiter "github.com/ngurrapathways/edge/internal/ratelimit/redis"
	"github.com/ngurrapathways/edge/internal/ratelimit/sqlite"
)

var version = "v0.1.0"

func main() {
	configPath := flag.String("config", "./config.yaml", "path to the YAML config file")
	flag.Parse()

	boot := obs.SetupLogger("info")
	if err := config.LoadEnvFiles(".env"); err != nil {
		boot.Fatal().Err(err).Msg("load .env")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	logger.Info().Str("version", version).Str("env", cfg.Env).Msg("starting edge")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	var rdb *redis.Client
	if cfg.UsesRedis() {
		opt, err := cfg.RedisOptions()
		if err != nil {
			logger.Fatal().Err(err).Msg("redis options")
		}
		rdb = redis.NewClient(opt)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			// Admission falls back to in-process counters; the cache serves uncached.
			logger.Warn().Err(err).Str("addr", opt.Addr).Msg("redis not reachable at startup")
		}
		cancel()
	}

	policies := cfg.Policies()
	for _, p := range policies.Policies() {
		logger.Debug().Str("policy", string(p.Name)).Int("max", p.Max).Dur("window", p.Window).Msg("admission policy")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.IsEnabled() {
		limiter, err = newLimiter(ctx, cfg, rdb, metrics, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("init rate limiter")
		}
		defer limiter.Close()
	} else {
		logger.Warn().Msg("rate limiting disabled")
	}

	var backend cache.Backend
	if cfg.Cache.Enabled {
		backend = newCacheBackend(ctx, cfg, rdb)
		defer backend.Close()
	}

	rr, err := cfg.Router()
	if err != nil {
		logger.Fatal().Err(err).Msg("build routes")
	}
	for _, rt := range rr.Routes() {
		upstream := "none"
		if rt.UpURL != nil {
			upstream = rt.UpURL.String()
		}
		logger.Info().Str("route", rt.ID).Str("prefix", rt.Prefix).Str("upstream", upstream).Msg("route")
	}

	identities := make(map[string]auth.Identity, len(cfg.Auth.Keys))
	for _, k := range cfg.Auth.Keys {
		if k.Secret != "" && k.ID != "" {
			identities[k.Secret] = auth.Identity{ID: k.ID, Role: k.Role, Tier: k.Tier}
		}
	}
	authStore := auth.NewStatic(cfg.Auth.Header, identities)

	skip := map[string]struct{}{
		"/health":                         {},
		"/version":                        {},
		cfg.Observability.PrometheusPath: {},
	}

	api := gateway.Chain(
		proxy.Handler(proxy.NewHTTPTransport()),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		gateway.RouteMatcher(rr, skip),
		metrics.Middleware(skip),
		authStore.Middleware(),
		gateway.Admission(gateway.AdmissionConfig{
			Enabled:    cfg.RateLimit.IsEnabled(),
			Limiter:    limiter,
			Policies:   policies,
			Skip:       skip,
			TrustProxy: cfg.Server.TrustProxy,
			OnLimited:  metrics.OnLimited,
			OnError:    metrics.OnLimiterError,
		}),
		gateway.Memoize(gateway.MemoizeConfig{
			Backend:      backend,
			MaxBodyBytes: cfg.Cache.MaxBodyBytes,
			OnResult:     metrics.OnCacheResult,
		}),
	)

	admin := &gateway.Admin{Cache: backend, Limiter: limiter, Policies: policies}

	r := chi.NewRouter()
	r.Use(obs.Logger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"version":%q}`, version)
	})
	r.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(authStore.Middleware(), auth.RequireAdmin)
		ar.Get("/cache/stats", admin.CacheStats)
		ar.Post("/cache/invalidate", admin.InvalidateCache)
		ar.Post("/ratelimit/reset", admin.ResetRateLimit)
	})
	r.Handle("/api", api)
	r.Handle("/api/*", api)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	logger.Info().Msg("bye")
}

// newLimiter builds the configured admission store. The redis store is
// wrapped so that an outage degrades to per-process counting.
func newLimiter(ctx context.Context, cfg *config.Root, rdb *redis.Client, m *obs.Metrics, logger zerolog.Logger) (ratelimit.Limiter, error) {
	every := cfg.RateLimit.JanitorInterval()
	keep := longestWindow(cfg.Policies())

	switch cfg.RateLimit.Store {
	case "redis":
		local := memory.New(memory.WithIdleTTL(keep))
		local.StartJanitor(ctx, every)
		shared := redislimiter.New(noClose{rdb}, redislimiter.WithPrefix(cfg.RateLimit.KeyPrefix))
		return ratelimit.NewFallback(shared, local, logger.With().Str("component", "ratelimit").Logger(),
			ratelimit.WithOnFallback(m.OnStoreFallback),
		), nil
	case "sqlite":
		l, err := sqlite.New(cfg.SQLite.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLite.DSN, err)
		}
		l.StartJanitor(ctx, every, keep)
		return l, nil
	default:
		local := memory.New(memory.WithIdleTTL(keep))
		local.StartJanitor(ctx, every)
		return local, nil
	}
}

func newCacheBackend(ctx context.Context, cfg *config.Root, rdb *redis.Client) cache.Backend {
	if cfg.Cache.Store == "redis" {
		return cache.NewRedis(noClose{rdb}, cfg.Cache.KeyPrefix)
	}
	mem := cache.NewMemory(cfg.Cache.MaxEntries)
	mem.StartJanitor(ctx, time.Minute)
	return mem
}

func longestWindow(t *ratelimit.Table) time.Duration {
	var longest time.Duration
	for _, p := range t.Policies() {
		longest = max(longest, p.Window)
	}
	return longest
}

// noClose shares one client between the limiter and the cache; main
// closes it once at shutdown.
type noClose struct{ *redis.Client }

func (noClose) Close() error { return nil }
