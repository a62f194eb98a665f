// Package gateway implements the multi-provider access core: route
// resolution, per-tenant rate limiting, circuit breaking, request
// deduplication, embedding batching, response caching, and retry-with-backoff
// invocation, composed into the Generate / GenerateStream / Embed operations.
//
// A Gateway owns all of its component state. Nothing in this package uses
// package-level mutable state; every dependency is injected at construction
// so instances are independent and disposable.
package gateway

import (
	"github.com/nulpointcorp/model-gateway/internal/providers"
)

// GenerateRequest is the caller-facing request for Generate and
// GenerateStream. Model is the logical model name; the route table maps it to
// concrete provider targets. The request must be treated as immutable once
// submitted.
type GenerateRequest struct {
	TenantID    string
	Model       string
	Messages    []providers.Message
	Temperature float64
	MaxTokens   int
	APIKey      string // optional pass-through key, forwarded to the provider
	RequestID   string
}

// EmbedRequest is the caller-facing request for Embed.
type EmbedRequest struct {
	TenantID  string
	Model     string
	Texts     []string
	APIKey    string
	RequestID string
}

// Usage reports token consumption in the caller-facing shape.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerateResult is a completed non-streaming generation. Results are stored
// in the response cache verbatim, so every field that callers observe must
// marshal; Cached is set on the read path and never stored.
type GenerateResult struct {
	ID           string `json:"id"`
	Text         string `json:"text"`
	Model        string `json:"model"`      // logical model requested
	ModelUsed    string `json:"model_used"` // provider-native model that served it
	Provider     string `json:"provider"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
	Cached       bool   `json:"-"`
}

// EmbedResult is a completed embedding call. Embeddings[i] corresponds to
// Texts[i] of the request, always.
type EmbedResult struct {
	Embeddings [][]float32 `json:"embeddings"`
	Model      string      `json:"model"`
	ModelUsed  string      `json:"model_used"`
	Provider   string      `json:"provider"`
	Usage      Usage       `json:"usage"`
	Cached     bool        `json:"-"`
}

// StreamResult carries a live token stream. The channel is closed by the
// provider adapter when the stream terminates; canceling the request context
// stops upstream consumption.
type StreamResult struct {
	Provider  string
	ModelUsed string
	Chunks    <-chan providers.StreamChunk
}

func usageFrom(u providers.Usage) Usage {
	return Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}
