// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only one LLM provider key is strictly required for the gateway to start.
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// cache with no external dependencies. ClickHouse is optional — without it
// request records go to slog only.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
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
	Gemini    ProviderConfig
	Mistral   ProviderConfig

	// OpenAI-compatible providers.
	XAI        ProviderConfig
	DeepSeek   ProviderConfig
	Groq       ProviderConfig
	Together   ProviderConfig
	Perplexity ProviderConfig
	Cerebras   ProviderConfig
	Moonshot   ProviderConfig
	MiniMax    ProviderConfig
	Qwen       ProviderConfig
	Nebius     ProviderConfig
	NovitaAI   ProviderConfig
	ByteDance  ProviderConfig
	ZAI        ProviderConfig
	CanopyWave ProviderConfig
	Inference  ProviderConfig
	NanoGPT    ProviderConfig

	// Google Vertex AI (uses ADC instead of an API key).
	VertexAI VertexAIConfig

	// AWS Bedrock.
	Bedrock BedrockConfig

	// Azure OpenAI.
	Azure AzureConfig

	// Redis holds the connection URL for the Redis-backed cache and rate
	// limiter. Required only when a component selects the redis backend.
	Redis RedisConfig

	// ClickHouse configures the request-record analytics sink. Leave Addr
	// empty to keep request records on slog only.
	ClickHouse ClickHouseConfig

	// Routes overrides the built-in model catalog with explicit fallback
	// chains, parsed from ROUTES entries of the form
	// "logical=provider/model,provider/model".
	Routes map[string][]RouteTargetConfig

	// Fallbacks lists model IDs (resolved through the built-in catalog)
	// appended as a global fallback chain to every chat route. Parsed from
	// FALLBACK_MODELS, e.g. "gpt-4o-mini claude-haiku-3-5".
	Fallbacks []string

	// Cache controls response caching behaviour.
	Cache CacheConfig

	// RateLimit controls per-tenant admission.
	RateLimit RateLimitConfig

	// CircuitBreaker controls per-target breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// Invoke controls the per-target call policy (timeout, retries, backoff).
	Invoke InvokeConfig

	// Dedup enables in-flight request coalescing.
	Dedup DedupConfig

	// Batch controls the embedding batch window.
	Batch BatchConfig

	// RequestLog tunes the async request logger.
	RequestLog RequestLogConfig

	// HealthProbeInterval enables the background provider reachability prober
	// when > 0. Default: 30s; set 0 to disable.
	HealthProbeInterval time.Duration

	// DefaultTenant is assigned to requests without an X-Tenant-ID header.
	// Default: "default".
	DefaultTenant string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// AllowClientAPIKeys enables forwarding client-supplied Authorization
	// headers directly to the upstream provider. When false (default) the
	// gateway only uses the API keys configured in this file/.env.
	AllowClientAPIKeys bool
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// VertexAIConfig holds Google Vertex AI configuration.
// Auth is resolved via Application Default Credentials (ADC).
type VertexAIConfig struct {
	// Project is the Google Cloud project ID. Required.
	Project string
	// Location is the Vertex AI region. Default: "us-central1".
	Location string
}

// BedrockConfig holds AWS Bedrock configuration.
type BedrockConfig struct {
	// AccessKey is the AWS access key ID.
	AccessKey string
	// SecretKey is the AWS secret access key.
	SecretKey string
	// SessionToken is the optional STS session token for temporary credentials.
	SessionToken string
	// Region is the AWS region, e.g. "us-east-1".
	Region string
	// EndpointURL overrides the Bedrock runtime endpoint. Useful for local mocks.
	EndpointURL string
}

// AzureConfig holds Azure OpenAI configuration.
type AzureConfig struct {
	// Endpoint is the Azure OpenAI resource URL,
	// e.g. "https://myresource.openai.azure.com".
	Endpoint string
	// APIKey is the Azure OpenAI resource key.
	APIKey string
	// APIVersion is the API version string, e.g. "2024-12-01-preview".
	APIVersion string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ClickHouseConfig holds the request-record sink configuration.
type ClickHouseConfig struct {
	// Addr lists host:port endpoints. Empty disables the sink.
	Addr []string
	// Database is the target database. Default: "default".
	Database string
	// Username and Password authenticate the connection.
	Username string
	Password string
	// Table is the destination table. Default: "request_logs".
	Table string
}

// Enabled reports whether a ClickHouse sink is configured.
func (c ClickHouseConfig) Enabled() bool { return len(c.Addr) > 0 }

// RouteTargetConfig is one provider/model pair in a fallback chain.
type RouteTargetConfig struct {
	Provider string
	Model    string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process LRU+TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// BypassModels lists logical models (exact names or globs such as "ft:*")
	// whose responses are never cached.
	BypassModels []string

	// TenantScoped makes the tenant ID part of cache and dedup fingerprints,
	// so identical prompts from different tenants never share results.
	TenantScoped bool
}

// RateLimitConfig controls per-tenant admission.
type RateLimitConfig struct {
	// Enabled turns rate limiting on. Default: false.
	Enabled bool

	// Backend selects the bucket store: "local" (per-instance, default) or
	// "redis" (shared across replicas, requires REDIS_URL).
	Backend string

	// Capacity is the bucket size in cost units. Default: 60.
	Capacity float64

	// RefillRate is cost units added per second. Default: 1.
	RefillRate float64

	// QueueTimeout lets a rejected request wait for refill instead of failing
	// immediately. 0 (default) rejects immediately.
	QueueTimeout time.Duration

	// TokenWeighted charges an estimated token count per request instead of a
	// flat cost of 1, so large requests drain the bucket proportionally.
	TokenWeighted bool
}

// CircuitBreakerConfig controls per-target circuit breaker settings.
type CircuitBreakerConfig struct {
	// Enabled turns circuit breaking on. Default: true.
	Enabled bool

	// FailureThreshold is the number of failures within FailureWindow that
	// trip the breaker. Default: 5.
	FailureThreshold int

	// FailureWindow is the rolling window over which failures are counted.
	// Default: 60s.
	FailureWindow time.Duration

	// Cooldown is how long the breaker stays open before allowing a single
	// probe request. Default: 30s.
	Cooldown time.Duration
}

// InvokeConfig controls the per-target call policy.
type InvokeConfig struct {
	// Timeout bounds a single upstream attempt. Default: 30s.
	Timeout time.Duration

	// MaxRetries is the number of retry attempts per target after the first
	// call; 0 disables retries. Only transient failures are retried.
	// Default: 2.
	MaxRetries int

	// RetryDelay is the base backoff between retries; it doubles per attempt
	// up to MaxRetryDelay. Defaults: 200ms / 2s.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// DedupConfig controls in-flight request coalescing.
type DedupConfig struct {
	// Enabled turns deduplication on. Default: true.
	Enabled bool
}

// BatchConfig controls the embedding batch window.
type BatchConfig struct {
	// Enabled turns embedding batching on. Default: false.
	Enabled bool

	// Size dispatches a window once this many requests accumulate. Default: 16.
	Size int

	// Window dispatches a partial batch after this long. Default: 20ms.
	Window time.Duration
}

// RequestLogConfig tunes the async request logger.
type RequestLogConfig struct {
	// Buffer is the channel capacity; records beyond it are dropped.
	// Default: 10000.
	Buffer int

	// BatchSize flushes to the sink once this many records accumulate.
	// Default: 100.
	BatchSize int

	// FlushInterval flushes partial batches this often. Default: 1s.
	FlushInterval time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider API key must be configured.
// REDIS_URL is only required when a component selects the redis backend.
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
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("DEFAULT_TENANT", "default")

	// Cache defaults.
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_TENANT_SCOPED", false)

	// Rate limit defaults (off until enabled explicitly).
	v.SetDefault("RATE_LIMIT_ENABLED", false)
	v.SetDefault("RATE_LIMIT_BACKEND", "local")
	v.SetDefault("RATE_LIMIT_CAPACITY", 60)
	v.SetDefault("RATE_LIMIT_REFILL_RATE", 1)
	v.SetDefault("RATE_LIMIT_QUEUE_TIMEOUT", "0s")
	v.SetDefault("RATE_LIMIT_TOKEN_WEIGHTED", false)

	// Circuit breaker defaults.
	v.SetDefault("CB_ENABLED", true)
	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_FAILURE_WINDOW", "60s")
	v.SetDefault("CB_COOLDOWN", "30s")

	// Invoke policy defaults.
	v.SetDefault("PROVIDER_TIMEOUT", "30s")
	v.SetDefault("MAX_RETRIES", 2)
	v.SetDefault("RETRY_DELAY", "200ms")
	v.SetDefault("MAX_RETRY_DELAY", "2s")

	// Dedup / batching defaults.
	v.SetDefault("DEDUP_ENABLED", true)
	v.SetDefault("BATCH_ENABLED", false)
	v.SetDefault("BATCH_SIZE", 16)
	v.SetDefault("BATCH_WINDOW", "20ms")

	// Request logger defaults.
	v.SetDefault("REQUEST_LOG_BUFFER", 10000)
	v.SetDefault("REQUEST_LOG_BATCH_SIZE", 100)
	v.SetDefault("REQUEST_LOG_FLUSH_INTERVAL", "1s")

	// ClickHouse defaults.
	v.SetDefault("CLICKHOUSE_DATABASE", "default")
	v.SetDefault("CLICKHOUSE_TABLE", "request_logs")

	v.SetDefault("HEALTH_PROBE_INTERVAL", "30s")

	// Client API key mode disabled by default.
	v.SetDefault("ALLOW_CLIENT_API_KEYS", false)

	// ── Build config ──────────────────────────────────────────────────────────
	routes, err := parseRoutes(v.GetStringSlice("ROUTES"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},
		Mistral:   ProviderConfig{APIKey: v.GetString("MISTRAL_API_KEY"), BaseURL: v.GetString("MISTRAL_BASE_URL")},

		// OpenAI-compatible providers
		XAI:        ProviderConfig{APIKey: v.GetString("XAI_API_KEY")},
		DeepSeek:   ProviderConfig{APIKey: v.GetString("DEEPSEEK_API_KEY")},
		Groq:       ProviderConfig{APIKey: v.GetString("GROQ_API_KEY")},
		Together:   ProviderConfig{APIKey: v.GetString("TOGETHER_API_KEY")},
		Perplexity: ProviderConfig{APIKey: v.GetString("PERPLEXITY_API_KEY")},
		Cerebras:   ProviderConfig{APIKey: v.GetString("CEREBRAS_API_KEY")},
		Moonshot:   ProviderConfig{APIKey: v.GetString("MOONSHOT_API_KEY")},
		MiniMax:    ProviderConfig{APIKey: v.GetString("MINIMAX_API_KEY")},
		Qwen:       ProviderConfig{APIKey: v.GetString("QWEN_API_KEY")},
		Nebius:     ProviderConfig{APIKey: v.GetString("NEBIUS_API_KEY")},
		NovitaAI:   ProviderConfig{APIKey: v.GetString("NOVITA_API_KEY")},
		ByteDance:  ProviderConfig{APIKey: v.GetString("BYTEDANCE_API_KEY")},
		ZAI:        ProviderConfig{APIKey: v.GetString("ZAI_API_KEY")},
		CanopyWave: ProviderConfig{APIKey: v.GetString("CANOPYWAVE_API_KEY")},
		Inference:  ProviderConfig{APIKey: v.GetString("INFERENCE_API_KEY")},
		NanoGPT:    ProviderConfig{APIKey: v.GetString("NANOGPT_API_KEY")},

		// Google Vertex AI
		VertexAI: VertexAIConfig{
			Project:  v.GetString("VERTEX_PROJECT"),
			Location: v.GetString("VERTEX_LOCATION"),
		},

		// AWS Bedrock
		Bedrock: BedrockConfig{
			AccessKey:    v.GetString("AWS_ACCESS_KEY_ID"),
			SecretKey:    v.GetString("AWS_SECRET_ACCESS_KEY"),
			SessionToken: v.GetString("AWS_SESSION_TOKEN"),
			Region:       v.GetString("AWS_REGION"),
			EndpointURL:  v.GetString("BEDROCK_ENDPOINT_URL"),
		},

		// Azure OpenAI
		Azure: AzureConfig{
			Endpoint:   v.GetString("AZURE_OPENAI_ENDPOINT"),
			APIKey:     v.GetString("AZURE_OPENAI_API_KEY"),
			APIVersion: v.GetString("AZURE_OPENAI_API_VERSION"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		ClickHouse: ClickHouseConfig{
			Addr:     splitNonEmpty(v.GetString("CLICKHOUSE_ADDR")),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
			Table:    v.GetString("CLICKHOUSE_TABLE"),
		},

		Routes:    routes,
		Fallbacks: v.GetStringSlice("FALLBACK_MODELS"),

		Cache: CacheConfig{
			Mode:         strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:          v.GetDuration("CACHE_TTL"),
			BypassModels: v.GetStringSlice("CACHE_BYPASS_MODELS"),
			TenantScoped: v.GetBool("CACHE_TENANT_SCOPED"),
		},

		RateLimit: RateLimitConfig{
			Enabled:       v.GetBool("RATE_LIMIT_ENABLED"),
			Backend:       strings.ToLower(v.GetString("RATE_LIMIT_BACKEND")),
			Capacity:      v.GetFloat64("RATE_LIMIT_CAPACITY"),
			RefillRate:    v.GetFloat64("RATE_LIMIT_REFILL_RATE"),
			QueueTimeout:  v.GetDuration("RATE_LIMIT_QUEUE_TIMEOUT"),
			TokenWeighted: v.GetBool("RATE_LIMIT_TOKEN_WEIGHTED"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          v.GetBool("CB_ENABLED"),
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			FailureWindow:    v.GetDuration("CB_FAILURE_WINDOW"),
			Cooldown:         v.GetDuration("CB_COOLDOWN"),
		},

		Invoke: InvokeConfig{
			Timeout:       v.GetDuration("PROVIDER_TIMEOUT"),
			MaxRetries:    v.GetInt("MAX_RETRIES"),
			RetryDelay:    v.GetDuration("RETRY_DELAY"),
			MaxRetryDelay: v.GetDuration("MAX_RETRY_DELAY"),
		},

		Dedup: DedupConfig{Enabled: v.GetBool("DEDUP_ENABLED")},

		Batch: BatchConfig{
			Enabled: v.GetBool("BATCH_ENABLED"),
			Size:    v.GetInt("BATCH_SIZE"),
			Window:  v.GetDuration("BATCH_WINDOW"),
		},

		RequestLog: RequestLogConfig{
			Buffer:        v.GetInt("REQUEST_LOG_BUFFER"),
			BatchSize:     v.GetInt("REQUEST_LOG_BATCH_SIZE"),
			FlushInterval: v.GetDuration("REQUEST_LOG_FLUSH_INTERVAL"),
		},

		HealthProbeInterval: v.GetDuration("HEALTH_PROBE_INTERVAL"),
		DefaultTenant:       v.GetString("DEFAULT_TENANT"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),

		AllowClientAPIKeys: v.GetBool("ALLOW_CLIENT_API_KEYS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	// At least one provider must be configured unless client-supplied keys are enabled.
	if !c.AllowClientAPIKeys && !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, MISTRAL_API_KEY, " +
				"XAI_API_KEY, DEEPSEEK_API_KEY, GROQ_API_KEY, TOGETHER_API_KEY, " +
				"PERPLEXITY_API_KEY, CEREBRAS_API_KEY, MOONSHOT_API_KEY, MINIMAX_API_KEY, " +
				"QWEN_API_KEY, NEBIUS_API_KEY, NOVITA_API_KEY, BYTEDANCE_API_KEY, " +
				"ZAI_API_KEY, CANOPYWAVE_API_KEY, INFERENCE_API_KEY, NANOGPT_API_KEY, " +
				"VERTEX_PROJECT, AWS_ACCESS_KEY_ID, or AZURE_OPENAI_API_KEY). " +
				"Set ALLOW_CLIENT_API_KEYS=true to require clients to supply their own keys.",
		)
	}

	// Redis URL is required when any component selects the redis backend.
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}
	if c.RateLimit.Enabled && c.RateLimit.Backend == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when RATE_LIMIT_BACKEND=redis; " +
				"set RATE_LIMIT_BACKEND=local for per-instance buckets",
		)
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	// Validate rate limit backend value.
	switch c.RateLimit.Backend {
	case "local", "redis":
	default:
		return fmt.Errorf(
			"config: invalid RATE_LIMIT_BACKEND %q; must be one of: local, redis",
			c.RateLimit.Backend,
		)
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

	if c.RateLimit.Enabled {
		if c.RateLimit.Capacity < 1 {
			return fmt.Errorf("config: RATE_LIMIT_CAPACITY must be ≥ 1, got %g", c.RateLimit.Capacity)
		}
		if c.RateLimit.RefillRate <= 0 {
			return fmt.Errorf("config: RATE_LIMIT_REFILL_RATE must be > 0, got %g", c.RateLimit.RefillRate)
		}
	}

	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailureThreshold)
		}
		if c.CircuitBreaker.FailureWindow <= 0 {
			return fmt.Errorf("config: CB_FAILURE_WINDOW must be a positive duration")
		}
	}

	if c.Invoke.MaxRetries < 0 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 0, got %d", c.Invoke.MaxRetries)
	}
	if c.Invoke.Timeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}

	if c.Batch.Enabled {
		if c.Batch.Size < 1 {
			return fmt.Errorf("config: BATCH_SIZE must be ≥ 1, got %d", c.Batch.Size)
		}
		if c.Batch.Window <= 0 {
			return fmt.Errorf("config: BATCH_WINDOW must be a positive duration")
		}
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.Mistral.APIKey != "" ||
		c.XAI.APIKey != "" ||
		c.DeepSeek.APIKey != "" ||
		c.Groq.APIKey != "" ||
		c.Together.APIKey != "" ||
		c.Perplexity.APIKey != "" ||
		c.Cerebras.APIKey != "" ||
		c.Moonshot.APIKey != "" ||
		c.MiniMax.APIKey != "" ||
		c.Qwen.APIKey != "" ||
		c.Nebius.APIKey != "" ||
		c.NovitaAI.APIKey != "" ||
		c.ByteDance.APIKey != "" ||
		c.ZAI.APIKey != "" ||
		c.CanopyWave.APIKey != "" ||
		c.Inference.APIKey != "" ||
		c.NanoGPT.APIKey != "" ||
		c.VertexAI.Project != "" ||
		c.Bedrock.AccessKey != "" ||
		c.Azure.APIKey != ""
}

// parseRoutes converts ROUTES entries into explicit fallback chains.
//
// Each entry has the form "logical=provider/model,provider/model,..." — the
// first target is primary, the rest are tried in order. Example:
//
//	gpt-4=openai/gpt-4o,anthropic/claude-sonnet-4
func parseRoutes(entries []string) (map[string][]RouteTargetConfig, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	routes := make(map[string][]RouteTargetConfig, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		logical, chain, ok := strings.Cut(entry, "=")
		logical = strings.TrimSpace(logical)
		if !ok || logical == "" {
			return nil, fmt.Errorf("config: invalid ROUTES entry %q; expected \"logical=provider/model,...\"", entry)
		}

		var targets []RouteTargetConfig
		for _, raw := range strings.Split(chain, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			prov, model, ok := strings.Cut(raw, "/")
			prov = strings.TrimSpace(prov)
			model = strings.TrimSpace(model)
			if !ok || prov == "" || model == "" {
				return nil, fmt.Errorf("config: invalid route target %q in ROUTES entry %q; expected \"provider/model\"", raw, entry)
			}
			targets = append(targets, RouteTargetConfig{Provider: prov, Model: model})
		}
		if len(targets) == 0 {
			return nil, fmt.Errorf("config: ROUTES entry %q has no targets", entry)
		}

		routes[logical] = targets
	}

	return routes, nil
}

// splitNonEmpty splits a comma-separated list, dropping empty elements.
func splitNonEmpty(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
