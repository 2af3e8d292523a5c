package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	npCache "github.com/shingate/gateway/internal/cache"
	"github.com/shingate/gateway/internal/config"
	"github.com/shingate/gateway/internal/connpool"
	"github.com/shingate/gateway/internal/keypool"
	"github.com/shingate/gateway/internal/metrics"
	"github.com/shingate/gateway/internal/proxy"
	"github.com/shingate/gateway/internal/ratelimit"
	"github.com/shingate/gateway/internal/router"
	"github.com/shingate/gateway/internal/sequencer"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
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
// configured — this is enforced by Config.validate (run by config.Load)
// before we reach here.
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

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(ctx context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:             a.log,
		MaxRetries:         a.cfg.Failover.MaxRetries,
		ProviderTimeout:    a.cfg.Failover.ProviderTimeout,
		CacheTTL:           a.cfg.Cache.TTL,
		Metrics:            a.prom,
		AllowClientAPIKeys: a.cfg.AllowClientAPIKeys,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:        a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:            a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout:       a.cfg.CircuitBreaker.HalfOpenTimeout,
			FailureRatioThreshold: a.cfg.CircuitBreaker.FailureRatioThreshold,
			WindowSize:            a.cfg.CircuitBreaker.WindowSize,
			HalfOpenProbeCount:    a.cfg.CircuitBreaker.HalfOpenProbeCount,
		},
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, cacheImpl, cacheReady, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// Hybrid scoped rate limiter (C7) — token bucket + sliding window,
	// independent of the legacy Redis-only RPM limiter above.
	if hybrid := buildHybridLimiter(a.cfg); hybrid != nil {
		gw.SetHybridLimiter(hybrid)
		a.log.Info("hybrid rate limiter enabled", slog.Int("scopes", len(a.cfg.RateLimitScopes)))
	}

	// API-key pools (C6) — one per provider listed in PROVIDER_KEYS_<NAME>,
	// however many keys it lists. Providers absent here dispatch with the static key
	// the provider client was built with.
	if pools := buildKeyPools(a.cfg); len(pools) > 0 {
		gw.SetKeyPools(pools)
		for provider, pool := range pools {
			a.keyReapers = append(a.keyReapers, keypool.NewReaper(pool, 0))
			a.log.Info("key pool enabled", slog.String("provider", provider))
		}
	}

	// Per-origin HTTP connection pool (C5) — admission and session-affinity
	// bookkeeping around every upstream dispatch.
	connPool := connpool.New(connpool.Config{
		MaxPerOrigin: a.cfg.Pool.MaxConnsPerOrigin,
		WaitTimeout:  a.cfg.Pool.AcquireTimeout,
		AffinityIdle: a.cfg.Pool.IdleAffinityTTL,
	})
	a.connPool = connPool
	gw.SetConnPool(connPool)

	// Sequential-processing queue (C9, "shin mode") — every configured
	// provider is registered, with explicit mode so only the operator's
	// SEQUENTIAL_PROVIDERS list actually serializes; everything else runs
	// concurrently despite the registry's sequential-by-default zero value.
	seqRegistry := sequencer.New(sequencer.Config{})
	for name := range a.provs {
		seqRegistry.SetMode(name, a.cfg.Sequential[name])
	}
	gw.SetSequencer(seqRegistry)
	if len(a.cfg.Sequential) > 0 {
		a.log.Info("sequential mode enabled", slog.Any("providers", sequentialNames(a.cfg.Sequential)))
	}

	// Request router (C10) — only wired when the operator configured an
	// intent map or default route; otherwise the gateway's legacy alias
	// fallback handles routing unchanged.
	if rt := buildRouter(a.cfg); rt != nil {
		gw.SetRouter(rt)
		a.log.Info("router configured", slog.Int("intents", len(a.cfg.Router.Intents)))
	}

	// Metrics aggregation (C11) — in-memory rolling percentiles, SSE
	// broadcaster, and (optionally) the durable ClickHouse rollup sink.
	aggregator := metrics.NewAggregator(0)
	broadcaster := metrics.NewBroadcaster()
	var rollup *metrics.RollupStore
	if a.cfg.MetricsRollup.DSN != "" {
		rs, err := metrics.NewRollupStore(ctx, a.log, metrics.RollupConfig{DSN: a.cfg.MetricsRollup.DSN})
		if err != nil {
			a.log.Warn("clickhouse rollup disabled", slog.String("error", err.Error()))
		} else {
			rs.Start(a.baseCtx)
			rollup = rs
			a.rollup = rs
			a.log.Info("clickhouse rollup enabled")
		}
	}
	gw.SetMetricsAggregation(aggregator, broadcaster, rollup)
	a.broadcaster = broadcaster

	// Cache eligibility/fingerprint policy — temperature ceiling, field
	// projection, and optional near-duplicate similarity lookup.
	gw.SetCachePolicy(
		a.cfg.Cache.TempCeiling,
		npCache.FieldPolicy{Include: a.cfg.Cache.FieldInclude, Exclude: a.cfg.Cache.FieldExclude},
		a.cfg.Cache.SimilarityThreshold,
	)

	// Inbound authentication.
	gw.SetAuth(a.cfg.Auth.Scheme, a.cfg.Auth.StaticKey, a.cfg.Auth.JWTSecret)

	// Async request logger — not wired in the open-source build.
	// In the managed version this connects to ClickHouse for analytics.
	// Request metadata is still written via slog (see gateway.go logRequest).

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	// Key pool, connection pool, sequencer, and circuit breaker introspection
	// are served directly off the Gateway (see internal/proxy/management.go);
	// ManagementRoutes only carries the Prometheus handler, which lives on the
	// App's registry rather than the Gateway.
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// buildKeyPools constructs one keypool.Pool per provider listed in
// ProviderKeyPools (C6). A provider absent from the config dispatches with
// the single static key its provider client was built with.
func buildKeyPools(cfg *config.Config) map[string]*keypool.Pool {
	if len(cfg.ProviderKeyPools) == 0 {
		return nil
	}
	strategy := keypool.ParseStrategy(cfg.KeyPoolStrategy)
	pools := make(map[string]*keypool.Pool, len(cfg.ProviderKeyPools))
	for provider, secrets := range cfg.ProviderKeyPools {
		keys := make([]*keypool.Key, len(secrets))
		for i, secret := range secrets {
			keys[i] = &keypool.Key{
				ID:       fmt.Sprintf("%s-%d", provider, i),
				Provider: provider,
				Secret:   secret,
			}
		}
		pools[provider] = keypool.New(strategy, keypool.CooldownPolicy{}, keys)
	}
	return pools
}

// buildHybridLimiter converts the configured per-scope bucket shapes into a
// ratelimit.Limiter. Returns nil when no scope was configured.
func buildHybridLimiter(cfg *config.Config) *ratelimit.Limiter {
	if len(cfg.RateLimitScopes) == 0 {
		return nil
	}
	configs := make(map[ratelimit.Scope]ratelimit.BucketConfig, len(cfg.RateLimitScopes))
	for scope, sc := range cfg.RateLimitScopes {
		rs := ratelimit.Scope(scope)
		configs[rs] = ratelimit.BucketConfig{
			Scope:               rs,
			Capacity:            sc.Capacity,
			RefillRatePerSecond: sc.RefillRatePerSecond,
			WindowSeconds:       sc.WindowSeconds,
			MaxRequestsInWindow: sc.MaxRequestsInWindow,
		}
	}
	return ratelimit.New(configs)
}

// buildRouter converts the configured intent map and default route into a
// router.Router. Returns nil when nothing was configured, leaving the
// gateway on its legacy alias-table fallback.
func buildRouter(cfg *config.Config) *router.Router {
	if len(cfg.Router.Intents) == 0 && cfg.Router.Default == "" {
		return nil
	}
	intents := make(router.IntentMap, len(cfg.Router.Intents))
	for name, val := range cfg.Router.Intents {
		if res, ok := parseProviderModel(val); ok {
			intents[name] = res
		}
	}
	defaultModel, _ := parseProviderModel(cfg.Router.Default)
	return router.New(router.Config{
		Intents:      intents,
		DefaultModel: defaultModel,
	})
}

// parseProviderModel splits the "provider,model" config shorthand used by
// both ROUTE_INTENT_* and DEFAULT_ROUTE_MODEL.
func parseProviderModel(s string) (router.Resolved, bool) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return router.Resolved{}, false
	}
	p := strings.TrimSpace(parts[0])
	m := strings.TrimSpace(parts[1])
	if p == "" || m == "" {
		return router.Resolved{}, false
	}
	return router.Resolved{Provider: p, Model: m}, true
}

// sequentialNames returns the providers configured for sequential ("shin
// mode") processing, for a one-line startup log.
func sequentialNames(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for name, on := range m {
		if on {
			out = append(out, name)
		}
	}
	return out
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
