package config

import (
	"strings"
	"testing"
	"time"
)

// validConfig returns a minimal configuration that passes validate().
func validConfig() *Config {
	return &Config{
		LogLevel: "info",
		OpenAI:   ProviderConfig{APIKey: "sk-test"},
		Cache:    CacheConfig{Mode: "memory", TTL: time.Hour},
		RateLimit: RateLimitConfig{
			Backend:    "local",
			Capacity:   60,
			RefillRate: 1,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			FailureWindow:    60 * time.Second,
			Cooldown:         30 * time.Second,
		},
		Invoke: InvokeConfig{
			Timeout:       30 * time.Second,
			MaxRetries:    2,
			RetryDelay:    200 * time.Millisecond,
			MaxRetryDelay: 2 * time.Second,
		},
		Batch: BatchConfig{Size: 16, Window: 20 * time.Millisecond},
	}
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Cache.Mode != "memory" {
		t.Errorf("Cache.Mode = %q, want memory", cfg.Cache.Mode)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("Cache.TTL = %v, want 1h", cfg.Cache.TTL)
	}
	if cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled = true, want false by default")
	}
	if cfg.RateLimit.Backend != "local" {
		t.Errorf("RateLimit.Backend = %q, want local", cfg.RateLimit.Backend)
	}
	if cfg.RateLimit.Capacity != 60 || cfg.RateLimit.RefillRate != 1 {
		t.Errorf("rate limit bucket = %g/%g, want 60/1", cfg.RateLimit.Capacity, cfg.RateLimit.RefillRate)
	}
	if !cfg.CircuitBreaker.Enabled {
		t.Error("CircuitBreaker.Enabled = false, want true by default")
	}
	if cfg.CircuitBreaker.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cfg.CircuitBreaker.FailureThreshold)
	}
	if cfg.CircuitBreaker.FailureWindow != 60*time.Second {
		t.Errorf("FailureWindow = %v, want 60s", cfg.CircuitBreaker.FailureWindow)
	}
	if cfg.Invoke.Timeout != 30*time.Second {
		t.Errorf("Invoke.Timeout = %v, want 30s", cfg.Invoke.Timeout)
	}
	if cfg.Invoke.MaxRetries != 2 {
		t.Errorf("Invoke.MaxRetries = %d, want 2", cfg.Invoke.MaxRetries)
	}
	if !cfg.Dedup.Enabled {
		t.Error("Dedup.Enabled = false, want true by default")
	}
	if cfg.Batch.Enabled {
		t.Error("Batch.Enabled = true, want false by default")
	}
	if cfg.Batch.Size != 16 || cfg.Batch.Window != 20*time.Millisecond {
		t.Errorf("batch = %d/%v, want 16/20ms", cfg.Batch.Size, cfg.Batch.Window)
	}
	if cfg.RequestLog.Buffer != 10000 || cfg.RequestLog.BatchSize != 100 {
		t.Errorf("request log = %d/%d, want 10000/100", cfg.RequestLog.Buffer, cfg.RequestLog.BatchSize)
	}
	if cfg.HealthProbeInterval != 30*time.Second {
		t.Errorf("HealthProbeInterval = %v, want 30s", cfg.HealthProbeInterval)
	}
	if cfg.DefaultTenant != "default" {
		t.Errorf("DefaultTenant = %q, want default", cfg.DefaultTenant)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v, want [*]", cfg.CORSOrigins)
	}
	if cfg.AllowClientAPIKeys {
		t.Error("AllowClientAPIKeys = true, want false by default")
	}
	if cfg.ClickHouse.Enabled() {
		t.Error("ClickHouse.Enabled() = true with no addr configured")
	}
	if cfg.Routes != nil {
		t.Errorf("Routes = %v, want nil", cfg.Routes)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CACHE_MODE", "none")
	t.Setenv("CACHE_TTL", "5m")
	t.Setenv("CACHE_TENANT_SCOPED", "true")
	t.Setenv("RATE_LIMIT_ENABLED", "true")
	t.Setenv("RATE_LIMIT_CAPACITY", "120")
	t.Setenv("RATE_LIMIT_REFILL_RATE", "2.5")
	t.Setenv("RATE_LIMIT_QUEUE_TIMEOUT", "500ms")
	t.Setenv("RATE_LIMIT_TOKEN_WEIGHTED", "true")
	t.Setenv("CB_ENABLED", "false")
	t.Setenv("MAX_RETRIES", "0")
	t.Setenv("DEFAULT_TENANT", "acme")
	t.Setenv("HEALTH_PROBE_INTERVAL", "0s")
	t.Setenv("CLICKHOUSE_ADDR", "ch1:9000, ch2:9000")
	t.Setenv("ALLOW_CLIENT_API_KEYS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Cache.Mode != "none" || cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("cache = %q/%v, want none/5m", cfg.Cache.Mode, cfg.Cache.TTL)
	}
	if !cfg.Cache.TenantScoped {
		t.Error("Cache.TenantScoped = false, want true")
	}
	if !cfg.RateLimit.Enabled || !cfg.RateLimit.TokenWeighted {
		t.Error("rate limit flags not applied")
	}
	if cfg.RateLimit.Capacity != 120 || cfg.RateLimit.RefillRate != 2.5 {
		t.Errorf("rate limit bucket = %g/%g, want 120/2.5", cfg.RateLimit.Capacity, cfg.RateLimit.RefillRate)
	}
	if cfg.RateLimit.QueueTimeout != 500*time.Millisecond {
		t.Errorf("QueueTimeout = %v, want 500ms", cfg.RateLimit.QueueTimeout)
	}
	if cfg.CircuitBreaker.Enabled {
		t.Error("CircuitBreaker.Enabled = true, want false")
	}
	if cfg.Invoke.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0", cfg.Invoke.MaxRetries)
	}
	if cfg.DefaultTenant != "acme" {
		t.Errorf("DefaultTenant = %q, want acme", cfg.DefaultTenant)
	}
	if cfg.HealthProbeInterval != 0 {
		t.Errorf("HealthProbeInterval = %v, want 0", cfg.HealthProbeInterval)
	}
	if !cfg.ClickHouse.Enabled() {
		t.Fatal("ClickHouse.Enabled() = false with CLICKHOUSE_ADDR set")
	}
	if len(cfg.ClickHouse.Addr) != 2 || cfg.ClickHouse.Addr[0] != "ch1:9000" || cfg.ClickHouse.Addr[1] != "ch2:9000" {
		t.Errorf("ClickHouse.Addr = %v, want [ch1:9000 ch2:9000]", cfg.ClickHouse.Addr)
	}
	if cfg.ClickHouse.Database != "default" || cfg.ClickHouse.Table != "request_logs" {
		t.Errorf("ClickHouse defaults = %q/%q", cfg.ClickHouse.Database, cfg.ClickHouse.Table)
	}
	if !cfg.AllowClientAPIKeys {
		t.Error("AllowClientAPIKeys = false, want true")
	}
}

func TestLoad_Routes(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ROUTES", "gpt-4=openai/gpt-4o,anthropic/claude-sonnet-4 fast=groq/llama-3.3-70b")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if len(cfg.Routes) != 2 {
		t.Fatalf("len(Routes) = %d, want 2", len(cfg.Routes))
	}
	chain := cfg.Routes["gpt-4"]
	if len(chain) != 2 {
		t.Fatalf("len(Routes[gpt-4]) = %d, want 2", len(chain))
	}
	if chain[0] != (RouteTargetConfig{Provider: "openai", Model: "gpt-4o"}) {
		t.Errorf("primary target = %+v", chain[0])
	}
	if chain[1] != (RouteTargetConfig{Provider: "anthropic", Model: "claude-sonnet-4"}) {
		t.Errorf("fallback target = %+v", chain[1])
	}
	if got := cfg.Routes["fast"]; len(got) != 1 || got[0].Provider != "groq" {
		t.Errorf("Routes[fast] = %+v", got)
	}
}

func TestLoad_Fallbacks(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("FALLBACK_MODELS", "gpt-4o-mini claude-haiku-3-5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	want := []string{"gpt-4o-mini", "claude-haiku-3-5"}
	if len(cfg.Fallbacks) != len(want) {
		t.Fatalf("Fallbacks = %v, want %v", cfg.Fallbacks, want)
	}
	for i := range want {
		if cfg.Fallbacks[i] != want[i] {
			t.Errorf("Fallbacks[%d] = %q, want %q", i, cfg.Fallbacks[i], want[i])
		}
	}
}

func TestLoad_InvalidRoutes(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ROUTES", "not-a-route")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for malformed ROUTES entry")
	}
	if !strings.Contains(err.Error(), "ROUTES") {
		t.Errorf("error = %q, want mention of ROUTES", err)
	}
}

func TestLoad_RedisRequiredForRedisCache(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CACHE_MODE", "redis")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when CACHE_MODE=redis without REDIS_URL")
	}
	if !strings.Contains(err.Error(), "REDIS_URL") {
		t.Errorf("error = %q, want mention of REDIS_URL", err)
	}
}

func TestLoad_CORSOrigins(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CORS_ORIGINS", "https://a.example https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[0] != "https://a.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

// --- validate ---

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string // empty means valid
	}{
		{
			name:   "baseline_valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "no_provider_keys",
			mutate:  func(c *Config) { c.OpenAI.APIKey = "" },
			wantErr: "provider API key",
		},
		{
			name: "client_keys_waive_provider_requirement",
			mutate: func(c *Config) {
				c.OpenAI.APIKey = ""
				c.AllowClientAPIKeys = true
			},
		},
		{
			name:   "vertex_project_counts_as_key",
			mutate: func(c *Config) { c.OpenAI.APIKey = ""; c.VertexAI.Project = "my-project" },
		},
		{
			name:    "redis_cache_without_url",
			mutate:  func(c *Config) { c.Cache.Mode = "redis" },
			wantErr: "REDIS_URL",
		},
		{
			name:   "redis_cache_with_url",
			mutate: func(c *Config) { c.Cache.Mode = "redis"; c.Redis.URL = "redis://localhost:6379" },
		},
		{
			name: "redis_rate_limit_without_url",
			mutate: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.Backend = "redis"
			},
			wantErr: "RATE_LIMIT_BACKEND=redis",
		},
		{
			name:    "bad_cache_mode",
			mutate:  func(c *Config) { c.Cache.Mode = "memcached" },
			wantErr: "CACHE_MODE",
		},
		{
			name:    "bad_rate_limit_backend",
			mutate:  func(c *Config) { c.RateLimit.Backend = "dynamo" },
			wantErr: "RATE_LIMIT_BACKEND",
		},
		{
			name:    "bad_log_level",
			mutate:  func(c *Config) { c.LogLevel = "trace" },
			wantErr: "LOG_LEVEL",
		},
		{
			name: "rate_limit_zero_capacity",
			mutate: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.Capacity = 0
			},
			wantErr: "RATE_LIMIT_CAPACITY",
		},
		{
			name: "rate_limit_zero_refill",
			mutate: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.RefillRate = 0
			},
			wantErr: "RATE_LIMIT_REFILL_RATE",
		},
		{
			name:    "breaker_zero_threshold",
			mutate:  func(c *Config) { c.CircuitBreaker.FailureThreshold = 0 },
			wantErr: "CB_FAILURE_THRESHOLD",
		},
		{
			name:   "breaker_disabled_skips_threshold_check",
			mutate: func(c *Config) { c.CircuitBreaker.Enabled = false; c.CircuitBreaker.FailureThreshold = 0 },
		},
		{
			name:    "negative_retries",
			mutate:  func(c *Config) { c.Invoke.MaxRetries = -1 },
			wantErr: "MAX_RETRIES",
		},
		{
			name:    "zero_timeout",
			mutate:  func(c *Config) { c.Invoke.Timeout = 0 },
			wantErr: "PROVIDER_TIMEOUT",
		},
		{
			name:    "batch_zero_size",
			mutate:  func(c *Config) { c.Batch.Enabled = true; c.Batch.Size = 0 },
			wantErr: "BATCH_SIZE",
		},
		{
			name:   "batch_disabled_skips_size_check",
			mutate: func(c *Config) { c.Batch.Size = 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validate() error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

// --- parseRoutes ---

func TestParseRoutes(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		want    int // number of logical models; -1 means error expected
	}{
		{name: "empty", entries: nil, want: 0},
		{name: "single", entries: []string{"gpt-4=openai/gpt-4o"}, want: 1},
		{name: "multi_target", entries: []string{"gpt-4=openai/gpt-4o,anthropic/claude-sonnet-4"}, want: 1},
		{name: "whitespace_tolerated", entries: []string{"  gpt-4 = openai / gpt-4o , anthropic / claude-sonnet-4 "}, want: 1},
		{name: "blank_entries_skipped", entries: []string{"", "  ", "fast=groq/llama-3.3-70b"}, want: 1},
		{name: "missing_equals", entries: []string{"gpt-4"}, want: -1},
		{name: "empty_logical", entries: []string{"=openai/gpt-4o"}, want: -1},
		{name: "target_without_slash", entries: []string{"gpt-4=openai"}, want: -1},
		{name: "target_empty_model", entries: []string{"gpt-4=openai/"}, want: -1},
		{name: "no_targets", entries: []string{"gpt-4=, ,"}, want: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			routes, err := parseRoutes(tt.entries)
			if tt.want == -1 {
				if err == nil {
					t.Fatalf("parseRoutes(%v) = %v, want error", tt.entries, routes)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseRoutes(%v) error: %v", tt.entries, err)
			}
			if len(routes) != tt.want {
				t.Errorf("len = %d, want %d", len(routes), tt.want)
			}
		})
	}
}

func TestParseRoutes_ChainOrder(t *testing.T) {
	routes, err := parseRoutes([]string{"m=a/x,b/y,c/z"})
	if err != nil {
		t.Fatalf("parseRoutes error: %v", err)
	}
	chain := routes["m"]
	if len(chain) != 3 {
		t.Fatalf("len(chain) = %d, want 3", len(chain))
	}
	for i, want := range []string{"a", "b", "c"} {
		if chain[i].Provider != want {
			t.Errorf("chain[%d].Provider = %q, want %q", i, chain[i].Provider, want)
		}
	}
}

// --- helpers ---

func TestSplitNonEmpty(t *testing.T) {
	if got := splitNonEmpty(""); got != nil {
		t.Errorf("splitNonEmpty(\"\") = %v, want nil", got)
	}
	if got := splitNonEmpty(" , "); got != nil {
		t.Errorf("splitNonEmpty(\" , \") = %v, want nil", got)
	}
	got := splitNonEmpty("a, b ,c")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("splitNonEmpty = %v, want [a b c]", got)
	}
}
