package main

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// lexicon is the word pool mock completions are assembled from.
var lexicon = []string{
	"The", "gateway", "routes", "this", "request", "to", "a", "mock", "provider",
	"which", "returns", "generated", "filler", "text", "suitable", "for",
	"development", "load", "testing", "and", "failover", "drills", "without",
	"spending", "real", "tokens", "or", "credentials",
}

// fakeSentence builds a mock completion of roughly n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = lexicon[rand.IntN(len(lexicon))]
	}
	return strings.Join(words, " ") + "."
}

// fakeEmbedding returns a unit-range vector of the given dimension.
func fakeEmbedding(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rand.Float32()*2 - 1
	}
	return v
}

// applyLatency sleeps for the configured base latency plus uniform jitter, so
// latency percentiles in load tests spread the way real providers do.
func applyLatency(cfg Config) {
	total := cfg.LatencyMS
	if cfg.JitterMS > 0 {
		total += rand.IntN(cfg.JitterMS + 1)
	}
	if total > 0 {
		time.Sleep(time.Duration(total) * time.Millisecond)
	}
}

// injectFailure rolls the failure dice for one request. It returns the HTTP
// status to fail with, or 0 to proceed. Rate limiting is rolled before server
// errors so both classes appear at their configured rates when combined.
func injectFailure(cfg Config) int {
	if cfg.RateLimitRate > 0 && rand.Float64() < cfg.RateLimitRate {
		return http.StatusTooManyRequests
	}
	if cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate {
		return http.StatusInternalServerError
	}
	return 0
}

// bearerToken extracts the token from an "Authorization: Bearer …" header,
// or "" when absent.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the OpenAI-style error envelope, shared by the OpenAI and
// Mistral mocks (Mistral speaks the same wire format).
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorResponse{Error: errorDetail{
		Message: msg,
		Type:    typ,
		Code:    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
	}})
}

// hitCounter tracks requests served per path, so failover drills can verify
// where traffic actually landed.
type hitCounter struct {
	mu     sync.Mutex
	byPath map[string]uint64
}

func newHitCounter() *hitCounter {
	return &hitCounter{byPath: make(map[string]uint64)}
}

func (c *hitCounter) inc(path string) {
	c.mu.Lock()
	c.byPath[path]++
	c.mu.Unlock()
}

func (c *hitCounter) snapshot() (map[string]uint64, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.byPath))
	var total uint64
	for p, n := range c.byPath {
		out[p] = n
		total += n
	}
	return out, total
}

// statsHandler serves GET /__mock/stats with per-path request counts.
func (c *hitCounter) statsHandler(provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		byPath, total := c.snapshot()

		paths := make([]string, 0, len(byPath))
		for p := range byPath {
			paths = append(paths, p)
		}
		sort.Strings(paths)

		type pathCount struct {
			Path  string `json:"path"`
			Count uint64 `json:"count"`
		}
		counts := make([]pathCount, len(paths))
		for i, p := range paths {
			counts[i] = pathCount{Path: p, Count: byPath[p]}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"provider": provider,
			"total":    total,
			"requests": counts,
		})
	}
}

// counted wraps a handler so every request increments the counter first.
func counted(c *hitCounter, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.inc(r.URL.Path)
		h.ServeHTTP(w, r)
	})
}
