package app

import (
	"context"
	"fmt"
	"log/slog"

	npCache "github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/cost"
	"github.com/nulpointcorp/llm-router/internal/latency"
	"github.com/nulpointcorp/llm-router/internal/logger"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/proxy"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/registry"
	"github.com/nulpointcorp/llm-router/internal/router"
	"github.com/nulpointcorp/llm-router/internal/timeout"
)

// redisRequired reports whether the configuration needs a live Redis
// connection: Redis-backed cache modes and the global RPM limiter.
func (a *App) redisRequired() bool {
	if a.cfg.RateLimit.RPMLimit > 0 {
		return true
	}
	if !a.cfg.Cache.Enabled {
		return false
	}
	return a.cfg.Cache.Mode == "semantic" || a.cfg.Cache.Mode == "exact"
}

// initInfra establishes optional external connections.
func (a *App) initInfra(ctx context.Context) error {
	if a.redisRequired() {
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

// initProviders builds the adapter map. At least one provider must be
// configured — enforced by config validation before we reach here.
func (a *App) initProviders(_ context.Context) error {
	a.models = buildModels(a.baseCtx, a.cfg, a.log)
	if len(a.models) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.models))
	for n := range a.models {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initCore builds the routing core: latency tracker, token buckets, health
// registry, scoring selector, timeout governor, and the cost tracker.
func (a *App) initCore(_ context.Context) error {
	strategy, err := router.ParseStrategy(a.cfg.Routing.Strategy)
	if err != nil {
		return err
	}
	a.strategy = strategy

	a.lat = latency.New(a.cfg.Latency.WindowSize, a.cfg.Latency.EMAAlpha, a.log)

	buckets := make(map[string]ratelimit.BucketConfig, len(a.models))
	names := make([]string, 0, len(a.models))
	for _, n := range providers.Names {
		if _, ok := a.models[n]; !ok {
			continue
		}
		names = append(names, n)
		buckets[n] = ratelimit.BucketConfig{
			Capacity:     a.cfg.RateLimit.BucketCapacity,
			RefillPerSec: a.cfg.RateLimit.BucketRefillPerSec,
		}
	}
	a.limiter = ratelimit.NewLimiter(buckets)

	a.reg = registry.New(names, registry.Config{
		FailureThreshold: a.cfg.CircuitBreaker.FailureThreshold,
		CooldownBase:     a.cfg.CircuitBreaker.CooldownBase,
		CooldownMax:      a.cfg.CircuitBreaker.CooldownMax,
	}, a.lat, a.limiter, a.log)

	fb := router.NewFallback(a.cfg.Routing.MaxRetries, a.cfg.Routing.RetryBackoffBase, a.log)
	a.selector = router.NewSelector(a.reg, a.limiter, a.lat, fb, strategy, a.log)

	a.governor = timeout.New(timeout.Config{
		Default:     a.cfg.Timeout.Default,
		MaxAllowed:  a.cfg.Timeout.MaxAllowed,
		PerProvider: a.cfg.Timeout.PerProvider,
	}, a.log)

	a.costs = cost.New(a.cfg.Cost.AlertThresholdUSD, a.log)

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initCaches creates the response cache for the configured mode. The
// semantic mode needs an embedding-capable provider; when none is
// configured it degrades to the exact cache with a warning.
func (a *App) initCaches(ctx context.Context) error {
	if !a.cfg.Cache.Enabled || a.cfg.Cache.Mode == "none" {
		a.log.Info("cache disabled")
		return nil
	}

	mode := a.cfg.Cache.Mode
	if mode == "semantic" {
		embedder := a.buildEmbedder()
		if embedder == nil {
			a.log.Warn("no embedding-capable provider; falling back to exact cache")
			mode = "exact"
		} else {
			a.semantic = npCache.NewSemanticCache(a.rdb, embedder, npCache.SemanticConfig{
				Dimensions: a.cfg.Cache.EmbeddingDimensions,
				Threshold:  a.cfg.Cache.SimilarityThreshold,
				TTL:        a.cfg.Cache.TTL,
			}, a.log)
			if err := a.semantic.EnsureIndex(ctx); err != nil {
				return fmt.Errorf("semantic index: %w", err)
			}
			a.log.Info("cache backend: semantic (redis vector index)",
				slog.Float64("threshold", a.cfg.Cache.SimilarityThreshold),
				slog.Int("dimensions", a.cfg.Cache.EmbeddingDimensions),
			)
			return nil
		}
	}

	switch mode {
	case "exact":
		a.byteCache = npCache.NewExactCacheFromClient(a.rdb)
		a.log.Info("cache backend: exact (redis)")
	case "memory":
		a.memCache = npCache.NewMemoryCache(ctx)
		a.byteCache = a.memCache
		a.log.Info("cache backend: memory (in-process)")
	default:
		return fmt.Errorf("unknown cache mode: %s", mode)
	}

	return nil
}

// buildEmbedder wraps the first embedding-capable provider, preferring
// OpenAI since the default embedding model is an OpenAI one.
func (a *App) buildEmbedder() npCache.Embedder {
	var ep providers.EmbeddingProvider
	if m, ok := a.models["openai"]; ok {
		ep, _ = m.(providers.EmbeddingProvider)
	}
	if ep == nil {
		for _, m := range a.models {
			if cand, ok := m.(providers.EmbeddingProvider); ok {
				ep = cand
				break
			}
		}
	}
	if ep == nil {
		return nil
	}

	model := a.cfg.Cache.EmbeddingModel
	return npCache.EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		resp, err := ep.Embed(ctx, &providers.EmbeddingRequest{
			Input: []string{text},
			Model: model,
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Data) == 0 {
			return nil, fmt.Errorf("embedder: empty response")
		}
		return resp.Data[0].Embedding, nil
	})
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return err
	}
	a.reqLogger = reqLogger

	opts := proxy.GatewayOptions{
		Logger:      a.log,
		Metrics:     a.prom,
		Semantic:    a.semantic,
		ByteCache:   a.byteCache,
		CacheTTL:    a.cfg.Cache.TTL,
		ReqLogger:   a.reqLogger,
		CORSOrigins: a.cfg.CORSOrigins,
	}

	if a.rdb != nil {
		opts.RedisReady = redisPinger(a.baseCtx, a.rdb)
	}

	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		opts.RPMLimiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		opts.Exclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	a.gw = proxy.NewGateway(a.baseCtx, a.models, a.selector, a.reg, a.lat,
		a.costs, a.governor, a.strategy, opts)

	return nil
}
