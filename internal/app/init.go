package app

import (
	"context"
	"fmt"
	"log/slog"

	npCache "github.com/nulpointcorp/model-gateway/internal/cache"
	"github.com/nulpointcorp/model-gateway/internal/gateway"
	"github.com/nulpointcorp/model-gateway/internal/logger"
	"github.com/nulpointcorp/model-gateway/internal/metrics"
	"github.com/nulpointcorp/model-gateway/internal/ratelimit"
)

// initInfra establishes optional external connections. Redis is only required
// when the cache or the rate limiter selects the redis backend.
func (a *App) initInfra(ctx context.Context) error {
	needRedis := a.cfg.Cache.Mode == "redis" ||
		(a.cfg.RateLimit.Enabled && a.cfg.RateLimit.Backend == "redis")

	if needRedis {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map. At least one provider must be
// configured — this is enforced by config validation before we reach here.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend, the rate limiter, the Prometheus
// metrics registry, and the async request logger.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// RedisCache wraps the already-connected client; built in initGateway.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(a.baseCtx, 0)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if a.cfg.RateLimit.Enabled {
		rlCfg := ratelimit.Config{
			Capacity:   a.cfg.RateLimit.Capacity,
			RefillRate: a.cfg.RateLimit.RefillRate,
		}
		switch a.cfg.RateLimit.Backend {
		case "redis":
			a.limiter = ratelimit.NewRedisBucketLimiter(a.rdb, rlCfg, a.log)
		default:
			a.bucketLim = ratelimit.NewBucketLimiter(rlCfg)
			a.limiter = a.bucketLim
		}
		a.log.Info("rate limiting enabled",
			slog.String("backend", a.cfg.RateLimit.Backend),
			slog.Float64("capacity", rlCfg.Capacity),
			slog.Float64("refill_rate", rlCfg.RefillRate),
		)
	}

	// Request records always flow through the async logger; without a
	// ClickHouse sink they land on slog.
	var sink logger.Sink
	if a.cfg.ClickHouse.Enabled() {
		a.log.Info("connecting to clickhouse", slog.Any("addr", a.cfg.ClickHouse.Addr))

		chSink, err := logger.NewClickHouseSink(ctx, logger.ClickHouseConfig{
			Addr:     a.cfg.ClickHouse.Addr,
			Database: a.cfg.ClickHouse.Database,
			Username: a.cfg.ClickHouse.Username,
			Password: a.cfg.ClickHouse.Password,
			Table:    a.cfg.ClickHouse.Table,
		})
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = chSink
		a.log.Info("clickhouse connected")
	}

	reqLogger, err := logger.New(a.baseCtx, a.log, logger.Options{
		Sink:          sink,
		BatchSize:     a.cfg.RequestLog.BatchSize,
		FlushInterval: a.cfg.RequestLog.FlushInterval,
		ChannelBuffer: a.cfg.RequestLog.Buffer,
		OnDrop:        a.prom.RecordLogDropped,
	})
	if err != nil {
		if sink != nil {
			_ = sink.Close()
		}
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires the route table, the gateway core, and the HTTP server.
func (a *App) initGateway(_ context.Context) error {
	// ── Cache implementation + readiness probe ────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewRedisCache(a.rdb, "", a.log)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — the gateway skips lookup and store entirely
	}

	var bypass *npCache.BypassRules
	if len(a.cfg.Cache.BypassModels) > 0 {
		rules, err := npCache.NewBypassRules(a.cfg.Cache.BypassModels)
		if err != nil {
			return fmt.Errorf("cache bypass rules: %w", err)
		}
		bypass = rules
		a.log.Info("cache bypass rules loaded", slog.Int("rules", len(a.cfg.Cache.BypassModels)))
	}

	// ── Route table ───────────────────────────────────────────────────────────
	overrides := make(map[string][]gateway.RouteTarget, len(a.cfg.Routes))
	for model, targets := range a.cfg.Routes {
		chain := make([]gateway.RouteTarget, len(targets))
		for i, t := range targets {
			chain[i] = gateway.RouteTarget{Provider: t.Provider, Model: t.Model}
		}
		overrides[model] = chain
	}
	routes := gateway.NewRouteTable(gateway.BuildRoutes(overrides, a.cfg.Fallbacks))

	var sinkReady func() bool
	if a.cfg.ClickHouse.Enabled() {
		sinkReady = sinkPinger(a.baseCtx, a.reqLogger)
	}

	// ── Gateway core ──────────────────────────────────────────────────────────
	a.gw = gateway.NewGateway(a.baseCtx, a.provs, routes, gateway.GatewayOptions{
		Logger:  a.log,
		Metrics: a.prom,
		Invoker: gateway.InvokerConfig{
			Timeout:       a.cfg.Invoke.Timeout,
			MaxRetries:    a.cfg.Invoke.MaxRetries,
			RetryDelay:    a.cfg.Invoke.RetryDelay,
			MaxRetryDelay: a.cfg.Invoke.MaxRetryDelay,
		},
		Breaker: gateway.BreakerConfig{
			FailureThreshold: a.cfg.CircuitBreaker.FailureThreshold,
			FailureWindow:    a.cfg.CircuitBreaker.FailureWindow,
			Cooldown:         a.cfg.CircuitBreaker.Cooldown,
		},
		Batch: gateway.BatcherConfig{
			BatchSize:    a.cfg.Batch.Size,
			BatchTimeout: a.cfg.Batch.Window,
		},
		EnableCircuitBreaker: a.cfg.CircuitBreaker.Enabled,
		EnableDeduplication:  a.cfg.Dedup.Enabled,
		EnableBatching:       a.cfg.Batch.Enabled,

		Cache:            cacheImpl,
		CacheTTL:         a.cfg.Cache.TTL,
		CacheBypass:      bypass,
		TenantScopedKeys: a.cfg.Cache.TenantScoped,

		Limiter:           a.limiter,
		QueueTimeout:      a.cfg.RateLimit.QueueTimeout,
		TokenWeightedCost: a.cfg.RateLimit.TokenWeighted,

		RequestLogger: a.reqLogger,

		CacheReady:    cacheReady,
		SinkReady:     sinkReady,
		ProbeInterval: a.cfg.HealthProbeInterval,
	})

	// ── HTTP server ───────────────────────────────────────────────────────────
	a.srv = gateway.NewServer(a.gw, gateway.ServerOptions{
		CORSOrigins:        a.cfg.CORSOrigins,
		AllowClientAPIKeys: a.cfg.AllowClientAPIKeys,
		DefaultTenant:      a.cfg.DefaultTenant,
		MetricsHandler:     a.prom.Handler(),
	})

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
