// Package config loads and validates all runtime configuration for the router.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Only one LLM provider key is strictly required for the router to start.
// Redis is required for the semantic and exact cache modes; set
// CACHE_MODE=memory to use the built-in in-process cache with no external
// dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider API keys — at least one must be non-empty.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Google    ProviderConfig

	// Redis holds the connection URL for the vector store, exact cache and
	// RPM limiter. Default: redis://localhost:6379.
	Redis RedisConfig

	// Cache controls the response cache.
	Cache CacheConfig

	// Routing controls strategy selection and the fallback chain.
	Routing RoutingConfig

	// Timeout controls request deadline resolution.
	Timeout TimeoutConfig

	// Latency controls the per-provider latency tracker.
	Latency LatencyConfig

	// CircuitBreaker controls per-provider circuit thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls per-provider token buckets and the optional global
	// RPM limiter.
	RateLimit RateLimitConfig

	// Cost controls spend accounting.
	Cost CostConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Enabled turns the cache off entirely when false. Default: true.
	Enabled bool

	// Mode selects the cache backend:
	//   "semantic" — Redis vector store with embedding KNN lookup. Default.
	//   "exact"    — Redis exact-key cache, no embeddings.
	//   "memory"   — In-process TTL cache. Not shared across replicas.
	//   "none"     — Cache disabled entirely.
	Mode string

	// TTL is the time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// SimilarityThreshold is the maximum cosine distance for a semantic hit.
	// Default: 0.15.
	SimilarityThreshold float64

	// EmbeddingModel is the model used to embed queries.
	// Default: text-embedding-3-small.
	EmbeddingModel string

	// EmbeddingDimensions is the embedding vector length. Default: 1536.
	EmbeddingDimensions int

	// ExcludeExact is a list of exact model names that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// model names. Requests whose model matches any pattern are not cached.
	ExcludePatterns []string
}

// RoutingConfig controls candidate scoring and the fallback chain.
type RoutingConfig struct {
	// Strategy is one of: cost, latency, balanced, capability-first.
	// Default: balanced.
	Strategy string

	// MaxRetries is the number of retries per provider before moving to the
	// next candidate (attempts per provider = MaxRetries + 1). Default: 2.
	MaxRetries int

	// RetryBackoffBase is the base delay for full-jitter backoff.
	// Default: 500ms.
	RetryBackoffBase time.Duration
}

// TimeoutConfig controls request deadline resolution.
type TimeoutConfig struct {
	// Default is the deadline applied when the client sends no X-Timeout-Ms
	// header and no per-provider override matches. Default: 30s.
	Default time.Duration

	// MaxAllowed is the upper clamp on client-requested timeouts.
	// Default: 120s.
	MaxAllowed time.Duration

	// PerProvider maps provider name to a deadline override
	// (TIMEOUT_MS_<PROVIDER>).
	PerProvider map[string]time.Duration
}

// LatencyConfig controls the latency tracker.
type LatencyConfig struct {
	// WindowSize is the per-provider sample ring capacity. Default: 100.
	WindowSize int

	// EMAAlpha is the smoothing factor for the routing EMA. Default: 0.3.
	EMAAlpha float64
}

// CircuitBreakerConfig controls per-provider circuit settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that open the
	// circuit. Default: 5.
	FailureThreshold int

	// CooldownBase is the initial open-state cooldown. Default: 30s.
	CooldownBase time.Duration

	// CooldownMax caps the doubled cooldown after failed probes. Default: 10m.
	CooldownMax time.Duration
}

// RateLimitConfig controls per-provider admission and the global RPM limiter.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally via the
	// Redis sliding window. 0 disables it. Default: 0.
	RPMLimit int

	// BucketCapacity is the per-provider token bucket capacity. Default: 60.
	BucketCapacity float64

	// BucketRefillPerSec is the per-provider bucket refill rate. Default: 1.
	BucketRefillPerSec float64
}

// CostConfig controls spend accounting.
type CostConfig struct {
	// AlertThresholdUSD triggers a one-shot warning when cumulative spend
	// first crosses it. 0 disables the alert. Default: 100.
	AlertThresholdUSD float64
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider API key must be configured.
// REDIS_URL always has a default, so Redis-backed modes need no extra setup.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("REDIS_URL", "redis://localhost:6379")

	// Cache defaults.
	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("CACHE_MODE", "semantic")
	v.SetDefault("CACHE_TTL_SECONDS", 3600)
	v.SetDefault("CACHE_SIMILARITY_THRESHOLD", 0.15)
	v.SetDefault("EMBEDDING_MODEL", "text-embedding-3-small")
	v.SetDefault("EMBEDDING_DIMENSIONS", 1536)

	// Routing defaults.
	v.SetDefault("ROUTING_STRATEGY", "balanced")
	v.SetDefault("MAX_RETRIES", providers.MaxRetries)
	v.SetDefault("RETRY_BACKOFF_BASE_MS", 500)

	// Timeout defaults.
	v.SetDefault("DEFAULT_TIMEOUT_MS", 30_000)
	v.SetDefault("MAX_ALLOWED_TIMEOUT_MS", 120_000)

	// Latency tracker defaults.
	v.SetDefault("LATENCY_WINDOW_SIZE", 100)
	v.SetDefault("LATENCY_EMA_ALPHA", 0.3)

	// Circuit breaker defaults.
	v.SetDefault("CB_FAILURE_THRESHOLD", providers.FailureThreshold)
	v.SetDefault("CB_COOLDOWN_BASE", "30s")
	v.SetDefault("CB_COOLDOWN_MAX", "10m")

	// Rate limit: RPM 0 = disabled; buckets default to roughly 60 rpm burst.
	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("BUCKET_CAPACITY", 60.0)
	v.SetDefault("BUCKET_REFILL_PER_SEC", 1.0)

	// Cost accounting.
	v.SetDefault("COST_ALERT_THRESHOLD_USD", 100.0)

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Google:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GOOGLE_BASE_URL")},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Enabled:             v.GetBool("CACHE_ENABLED"),
			Mode:                strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:                 time.Duration(v.GetInt("CACHE_TTL_SECONDS")) * time.Second,
			SimilarityThreshold: v.GetFloat64("CACHE_SIMILARITY_THRESHOLD"),
			EmbeddingModel:      v.GetString("EMBEDDING_MODEL"),
			EmbeddingDimensions: v.GetInt("EMBEDDING_DIMENSIONS"),
			ExcludeExact:        v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns:     v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		Routing: RoutingConfig{
			Strategy:         strings.ToLower(v.GetString("ROUTING_STRATEGY")),
			MaxRetries:       v.GetInt("MAX_RETRIES"),
			RetryBackoffBase: time.Duration(v.GetInt("RETRY_BACKOFF_BASE_MS")) * time.Millisecond,
		},

		Timeout: TimeoutConfig{
			Default:     time.Duration(v.GetInt64("DEFAULT_TIMEOUT_MS")) * time.Millisecond,
			MaxAllowed:  time.Duration(v.GetInt64("MAX_ALLOWED_TIMEOUT_MS")) * time.Millisecond,
			PerProvider: perProviderTimeouts(v),
		},

		Latency: LatencyConfig{
			WindowSize: v.GetInt("LATENCY_WINDOW_SIZE"),
			EMAAlpha:   v.GetFloat64("LATENCY_EMA_ALPHA"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			CooldownBase:     v.GetDuration("CB_COOLDOWN_BASE"),
			CooldownMax:      v.GetDuration("CB_COOLDOWN_MAX"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit:           v.GetInt("RPM_LIMIT"),
			BucketCapacity:     v.GetFloat64("BUCKET_CAPACITY"),
			BucketRefillPerSec: v.GetFloat64("BUCKET_REFILL_PER_SEC"),
		},

		Cost: CostConfig{
			AlertThresholdUSD: v.GetFloat64("COST_ALERT_THRESHOLD_USD"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// perProviderTimeouts reads TIMEOUT_MS_<PROVIDER> overrides for every known
// provider. Unset or non-positive values are skipped.
func perProviderTimeouts(v *viper.Viper) map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, name := range providers.Names {
		key := "TIMEOUT_MS_" + strings.ToUpper(name)
		if ms := v.GetInt64(key); ms > 0 {
			out[name] = time.Duration(ms) * time.Millisecond
		}
	}
	return out
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, or GOOGLE_API_KEY)",
		)
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "semantic", "exact", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: semantic, exact, memory, none",
			c.Cache.Mode,
		)
	}

	// Redis URL is required for the Redis-backed cache modes. The default
	// covers this; only an explicit empty override can trip it.
	if (c.Cache.Mode == "semantic" || c.Cache.Mode == "exact") && c.Cache.Enabled && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=%s; "+
				"set CACHE_MODE=memory to use the built-in in-process cache",
			c.Cache.Mode,
		)
	}

	if c.Cache.Mode == "semantic" && c.Cache.Enabled {
		if c.Cache.SimilarityThreshold <= 0 || c.Cache.SimilarityThreshold > 2 {
			return fmt.Errorf(
				"config: CACHE_SIMILARITY_THRESHOLD must be in (0, 2], got %g",
				c.Cache.SimilarityThreshold,
			)
		}
		if c.Cache.EmbeddingDimensions < 1 {
			return fmt.Errorf("config: EMBEDDING_DIMENSIONS must be ≥ 1, got %d", c.Cache.EmbeddingDimensions)
		}
		if c.Cache.EmbeddingModel == "" {
			return fmt.Errorf("config: EMBEDDING_MODEL must not be empty when CACHE_MODE=semantic")
		}
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Routing sanity checks.
	switch c.Routing.Strategy {
	case "cost", "latency", "balanced", "capability-first":
	default:
		return fmt.Errorf(
			"config: invalid ROUTING_STRATEGY %q; must be one of: cost, latency, balanced, capability-first",
			c.Routing.Strategy,
		)
	}
	if c.Routing.MaxRetries < 0 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 0, got %d", c.Routing.MaxRetries)
	}
	if c.Routing.RetryBackoffBase <= 0 {
		return fmt.Errorf("config: RETRY_BACKOFF_BASE_MS must be positive")
	}

	// Timeout sanity checks.
	if c.Timeout.Default <= 0 {
		return fmt.Errorf("config: DEFAULT_TIMEOUT_MS must be positive")
	}
	if c.Timeout.MaxAllowed < c.Timeout.Default {
		return fmt.Errorf(
			"config: MAX_ALLOWED_TIMEOUT_MS (%v) must be ≥ DEFAULT_TIMEOUT_MS (%v)",
			c.Timeout.MaxAllowed, c.Timeout.Default,
		)
	}

	// Latency tracker sanity checks.
	if c.Latency.WindowSize < 1 {
		return fmt.Errorf("config: LATENCY_WINDOW_SIZE must be ≥ 1, got %d", c.Latency.WindowSize)
	}
	if c.Latency.EMAAlpha <= 0 || c.Latency.EMAAlpha > 1 {
		return fmt.Errorf("config: LATENCY_EMA_ALPHA must be in (0, 1], got %g", c.Latency.EMAAlpha)
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.CooldownBase <= 0 {
		return fmt.Errorf("config: CB_COOLDOWN_BASE must be a positive duration")
	}
	if c.CircuitBreaker.CooldownMax < c.CircuitBreaker.CooldownBase {
		return fmt.Errorf("config: CB_COOLDOWN_MAX must be ≥ CB_COOLDOWN_BASE")
	}

	// Rate limit sanity checks.
	if c.RateLimit.BucketCapacity <= 0 || c.RateLimit.BucketRefillPerSec <= 0 {
		return fmt.Errorf("config: BUCKET_CAPACITY and BUCKET_REFILL_PER_SEC must be positive")
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Google.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
