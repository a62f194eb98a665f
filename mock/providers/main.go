// Command providers runs lightweight HTTP mock servers that simulate each
// upstream LLM provider API, so the gateway can be exercised end to end —
// including retries, rate-limit handling, failover, and embeddings — without
// real credentials or spend.
//
// Each provider listens on its own port:
//
//	OpenAI / OpenAI-compat  :19001
//	Anthropic               :19002
//	Gemini                  :19003
//	Mistral                 :19004
//	Bedrock                 :19005
//
// Point the gateway at the fleet with the *_BASE_URL / BEDROCK_ENDPOINT_URL
// settings. Ports can be overridden with PORT_OPENAI, PORT_ANTHROPIC,
// PORT_GEMINI, PORT_MISTRAL, PORT_BEDROCK.
//
// Behaviour knobs (env):
//
//	MOCK_LATENCY_MS       — base latency added to every response (default 0)
//	MOCK_JITTER_MS        — extra uniform-random latency on top (default 0)
//	MOCK_ERROR_RATE       — fraction [0,1] of requests answered with HTTP 500
//	MOCK_RATE_LIMIT_RATE  — fraction [0,1] answered with HTTP 429 + Retry-After
//	MOCK_REQUIRE_AUTH     — "true" rejects unauthenticated requests with 401,
//	                        using each provider's native auth header
//	MOCK_STREAM_WORDS     — words per generated completion (default 10)
//
// Every server also exposes GET /__mock/stats with per-path request counts,
// which makes it easy to verify where fallback traffic actually landed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Config holds the behaviour knobs shared across all mock servers.
type Config struct {
	LatencyMS     int
	JitterMS      int
	ErrorRate     float64
	RateLimitRate float64
	RequireAuth   bool
	StreamWords   int
}

func loadConfig() Config {
	c := Config{StreamWords: 10}

	c.LatencyMS = intFromEnv("MOCK_LATENCY_MS", c.LatencyMS)
	c.JitterMS = intFromEnv("MOCK_JITTER_MS", c.JitterMS)
	c.ErrorRate = rateFromEnv("MOCK_ERROR_RATE")
	c.RateLimitRate = rateFromEnv("MOCK_RATE_LIMIT_RATE")
	c.RequireAuth = os.Getenv("MOCK_REQUIRE_AUTH") == "true"
	if n := intFromEnv("MOCK_STREAM_WORDS", c.StreamWords); n > 0 {
		c.StreamWords = n
	}
	return c
}

func intFromEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func rateFromEnv(key string) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			return f
		}
	}
	return 0
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

// mockServer wraps a provider handler with request counting and mounts the
// stats endpoint in front of it.
func mockServer(provider string, h http.Handler) http.Handler {
	c := newHitCounter()
	outer := http.NewServeMux()
	outer.HandleFunc("/__mock/stats", c.statsHandler(provider))
	outer.Handle("/", counted(c, h))
	return outer
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      mockServer(name, h),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock provider listening", slog.String("provider", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("provider", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock providers",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Int("jitter_ms", cfg.JitterMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Float64("rate_limit_rate", cfg.RateLimitRate),
		slog.Bool("require_auth", cfg.RequireAuth),
		slog.Int("stream_words", cfg.StreamWords),
	)

	servers := []*http.Server{
		startServer("openai", ":"+portFromEnv("PORT_OPENAI", 19001), newOpenAIHandler(cfg), log),
		startServer("anthropic", ":"+portFromEnv("PORT_ANTHROPIC", 19002), newAnthropicHandler(cfg), log),
		startServer("gemini", ":"+portFromEnv("PORT_GEMINI", 19003), newGeminiHandler(cfg), log),
		startServer("mistral", ":"+portFromEnv("PORT_MISTRAL", 19004), newMistralHandler(cfg), log),
		startServer("bedrock", ":"+portFromEnv("PORT_BEDROCK", 19005), newBedrockHandler(cfg), log),
	}

	// Machine-readable marker for harnesses that wait on startup.
	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock providers")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock providers stopped")
}
