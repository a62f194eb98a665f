// Package providers defines the adapter boundary between the gateway core and
// the upstream LLM APIs (OpenAI, Anthropic, Gemini, Mistral, and others).
//
// Each provider lives in its own sub-package and implements the Provider
// interface. Providers that support vector embeddings additionally implement
// EmbeddingProvider. The gateway never depends on provider-specific request or
// response shapes beyond the types in this package: a route target resolves to
// a provider plus a provider-native model ID, and the adapter receives that
// model ID in ChatRequest.Model / EmbeddingRequest.Model.
package providers

import (
	"context"
	"time"
)

type (
	// StreamChunk is a single token chunk delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// ChatRequest is a normalized upstream chat call. Model carries the
	// provider-native model ID resolved from the route target, which may
	// differ from the logical model the caller asked for.
	ChatRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		MaxTokens   int
		APIKey      string // optional per-request key override
		RequestID   string
	}

	// ChatResponse — normalized provider response.
	ChatResponse struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        Usage
		Stream       <-chan StreamChunk // nil if it's not a stream.
	}

	// EmbeddingRequest — normalized embedding call.
	EmbeddingRequest struct {
		// Input is the list of texts to embed. Always at least one element.
		Input []string
		// Model is the provider-native model ID (e.g. "text-embedding-3-small").
		Model     string
		APIKey    string
		RequestID string
	}

	// EmbeddingData — a single embedding vector.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse — normalized embedding response. Data preserves the
	// input order: Data[i] is the vector for Input[i].
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}
)

// Provider — upstream LLM provider interface.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	HealthCheck(ctx context.Context) error
}

// EmbeddingProvider is an optional interface implemented by providers that
// support the embeddings API. Check with a type assertion before calling.
type EmbeddingProvider interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// ChatModelProviders maps well-known chat model names to the provider that
// serves them. The route table uses this as the built-in catalog; explicit
// route configuration overrides it per logical model.
var ChatModelProviders = map[string]string{

	// ─── OpenAI ───────────────────────────────────────────────────────────────
	"gpt-4":         "openai",
	"gpt-4o":        "openai",
	"gpt-4o-mini":   "openai",
	"gpt-4-turbo":   "openai",
	"gpt-3.5-turbo": "openai",
	"gpt-4.1":       "openai",
	"gpt-4.1-mini":  "openai",
	"gpt-4.1-nano":  "openai",
	"o1":            "openai",
	"o1-mini":       "openai",
	"o3":            "openai",
	"o3-mini":       "openai",
	"o4-mini":       "openai",

	// ─── Anthropic ────────────────────────────────────────────────────────────
	"claude-3-5-sonnet":          "anthropic",
	"claude-3-5-sonnet-20241022": "anthropic",
	"claude-3-5-haiku":           "anthropic",
	"claude-3-opus":              "anthropic",
	"claude-3-haiku":             "anthropic",
	"claude-3-7-sonnet":          "anthropic",
	"claude-opus-4":              "anthropic",
	"claude-sonnet-4":            "anthropic",
	"claude-haiku-4":             "anthropic",

	// ─── Google AI Studio ─────────────────────────────────────────────────────
	"gemini-pro":            "gemini",
	"gemini-1.5-pro":        "gemini",
	"gemini-1.5-flash":      "gemini",
	"gemini-2.0-flash":      "gemini",
	"gemini-2.0-flash-lite": "gemini",
	"gemini-2.5-pro":        "gemini",
	"gemini-2.5-flash":      "gemini",
	"gemma-3-27b-it":        "gemini",

	// ─── Mistral AI ───────────────────────────────────────────────────────────
	"mistral-large-latest": "mistral",
	"mistral-small-latest": "mistral",
	"mistral-large":        "mistral",
	"mistral-medium":       "mistral",
	"mistral-nemo":         "mistral",
	"mixtral-8x7b":         "mistral",
	"codestral-latest":     "mistral",
	"ministral-8b-latest":  "mistral",

	// ─── xAI (Grok) ───────────────────────────────────────────────────────────
	"grok-3":      "xai",
	"grok-3-fast": "xai",
	"grok-3-mini": "xai",
	"grok-2":      "xai",

	// ─── Groq ─────────────────────────────────────────────────────────────────
	"llama-3.3-70b-versatile": "groq",
	"llama-3.1-8b-instant":    "groq",
	"llama3-70b-8192":         "groq",
	"gemma2-9b-it":            "groq",

	// ─── DeepSeek ─────────────────────────────────────────────────────────────
	"deepseek-chat":     "deepseek",
	"deepseek-reasoner": "deepseek",

	// ─── AWS Bedrock ──────────────────────────────────────────────────────────
	// Bedrock uses provider-namespaced model IDs.
	"anthropic.claude-3-5-sonnet-20241022-v2:0": "bedrock",
	"anthropic.claude-3-haiku-20240307-v1:0":    "bedrock",
	"meta.llama3-70b-instruct-v1:0":             "bedrock",
	"amazon.titan-text-express-v1":              "bedrock",
	"amazon.nova-pro-v1:0":                      "bedrock",
	"amazon.nova-lite-v1:0":                     "bedrock",

	// ─── Azure OpenAI ─────────────────────────────────────────────────────────
	// The "azure-" prefix is stripped to derive the deployment name.
	"azure-gpt-4":       "azure",
	"azure-gpt-4o":      "azure",
	"azure-gpt-4o-mini": "azure",
	"azure-o3-mini":     "azure",

	// ─── Google Vertex AI ─────────────────────────────────────────────────────
	// The "vertexai-" prefix routes explicitly to Vertex AI; without it Gemini
	// models default to Google AI Studio.
	"vertexai-gemini-2.0-flash": "vertexai",
	"vertexai-gemini-1.5-pro":   "vertexai",
	"vertexai-gemini-2.5-pro":   "vertexai",
	"vertexai-gemini-2.5-flash": "vertexai",
}

// EmbeddingModelProviders maps embedding model names to provider names.
var EmbeddingModelProviders = map[string]string{
	// OpenAI
	"text-embedding-3-small": "openai",
	"text-embedding-3-large": "openai",
	"text-embedding-ada-002": "openai",
	// Mistral
	"mistral-embed": "mistral",
	// Google Gemini
	"text-embedding-004": "gemini",
	"embedding-001":      "gemini",
}

// DefaultTimeout bounds a single upstream HTTP call when the caller supplies
// no tighter deadline. Adapters use it for their http.Client as a backstop;
// the invoker applies the configured per-attempt timeout via context.
const DefaultTimeout = 30 * time.Second

// StatusCoder is implemented by provider error types that carry the upstream
// HTTP status. The invoker uses it to classify failures.
type StatusCoder interface {
	HTTPStatus() int
}
