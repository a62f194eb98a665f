package gateway

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/model-gateway/internal/logger"
	"github.com/nulpointcorp/model-gateway/internal/providers"
	"github.com/nulpointcorp/model-gateway/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// ── Inbound / outbound envelopes ──────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	// inboundChatRequest mirrors the OpenAI POST /v1/chat/completions body.
	inboundChatRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundChatResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}

	// inboundEmbeddingRequest mirrors the OpenAI POST /v1/embeddings body.
	// The "input" field accepts a string or array of strings; we normalise
	// to []string via parseEmbeddingInput.
	inboundEmbeddingRequest struct {
		Model          string          `json:"model"`
		Input          json.RawMessage `json:"input"`
		EncodingFormat string          `json:"encoding_format"`
	}

	outboundEmbeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	outboundEmbeddingUsage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	outboundEmbeddingResponse struct {
		Object string                  `json:"object"`
		Data   []outboundEmbeddingData `json:"data"`
		Model  string                  `json:"model"`
		Usage  outboundEmbeddingUsage  `json:"usage"`
	}

	invalidateRequest struct {
		Pattern string `json:"pattern"`
	}
	invalidateResponse struct {
		Invalidated int `json:"invalidated"`
	}

	modelObject struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	modelListResponse struct {
		Object string        `json:"object"`
		Data   []modelObject `json:"data"`
	}
)

// parseEmbeddingInput converts the raw JSON "input" field into []string.
// The OpenAI API accepts either a bare string or an array of strings.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	// Try array first.
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	// Try bare string.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// ── Chat completions ──────────────────────────────────────────────────────────

// handleChatCompletions serves /v1/chat/completions and /v1/completions.
// The core pipeline (cache, dedup, rate limit, fallback walk) runs inside
// Gateway.Generate; the handler translates between the OpenAI wire shape and
// the gateway types.
func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	if string(ctx.Path()) == "/v1/completions" {
		route = "completions"
	}
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass" // hit|miss|bypass
	inputTokens, outputTokens := 0, 0
	cached := false
	streaming := false
	respBytes := -1

	if s.gw.metrics != nil {
		s.gw.metrics.IncInFlight()
	}
	defer func() {
		m := s.gw.metrics
		if m == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		m.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		m.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		m.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		m.AddTokens(servedProvider, route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	tenant, _ := ctx.UserValue("tenant_id").(string)
	clientKey := s.extractClientAPIKey(ctx)

	var req inboundChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}

	greq := &GenerateRequest{
		TenantID:    tenant,
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		APIKey:      clientKey,
		RequestID:   reqID,
	}

	s.gw.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("tenant", tenant),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
	)

	// Streaming: SSE pass-through; never cached or deduplicated.
	if req.Stream {
		sres, err := s.gw.GenerateStream(ctx, greq)
		if err != nil {
			s.failRequest(ctx, greq, opStream, err, start)
			return
		}
		servedProvider = sres.Provider
		streaming = true
		s.streamChat(ctx, sres, greq, route, start, reqBytes)
		return
	}

	res, err := s.gw.Generate(ctx, greq)
	if err != nil {
		s.failRequest(ctx, greq, opGenerate, err, start)
		return
	}

	servedProvider = res.Provider
	cached = res.Cached
	inputTokens, outputTokens = res.Usage.PromptTokens, res.Usage.CompletionTokens
	switch {
	case res.Cached:
		cacheLabel = "hit"
	case s.gw.cacheEligible(req.Model):
		cacheLabel = "miss"
	}

	finish := res.FinishReason
	if finish == "" {
		finish = "stop"
	}
	out := outboundChatResponse{
		ID:      res.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   res.ModelUsed,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: res.Text},
				FinishReason: finish,
			},
		},
		Usage: outboundUsage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	s.gw.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("provider", res.Provider),
		slog.String("model_used", res.ModelUsed),
		slog.Bool("cached", res.Cached),
		slog.Int("input_tokens", res.Usage.PromptTokens),
		slog.Int("output_tokens", res.Usage.CompletionTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	if res.Cached {
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
	} else {
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)

	s.logRequest(requestLogEntry{
		RequestID: reqID,
		Tenant:    tenant,
		Provider:  res.Provider,
		Model:     req.Model,
		ModelUsed: res.ModelUsed,
		Op:        opGenerate,
		Usage:     res.Usage,
		Latency:   time.Since(start),
		Status:    fasthttp.StatusOK,
		Cached:    res.Cached,
	})
}

// streamChat writes the SSE response and finalises metrics and the request
// log once the stream drains, since the deferred block in the handler cannot
// observe a body that is still being written.
func (s *Server) streamChat(ctx *fasthttp.RequestCtx, sres *StreamResult, greq *GenerateRequest, route string, start time.Time, reqBytes int) {
	writeSSE(ctx, sres, func(outputTokens int) {
		dur := time.Since(start)
		s.logRequest(requestLogEntry{
			RequestID: greq.RequestID,
			Tenant:    greq.TenantID,
			Provider:  sres.Provider,
			Model:     greq.Model,
			ModelUsed: sres.ModelUsed,
			Op:        opStream,
			Usage:     Usage{CompletionTokens: outputTokens, TotalTokens: outputTokens},
			Latency:   dur,
			Status:    fasthttp.StatusOK,
		})
		if m := s.gw.metrics; m != nil {
			// End-to-end duration is measured until stream drain.
			m.ObserveHTTP(route, fasthttp.StatusOK, dur, reqBytes, -1)
			m.ObserveGatewayRequest(sres.Provider, route, "bypass", dur)
			m.AddTokens(sres.Provider, route, 0, outputTokens, false)
			m.DecInFlight()
		}
	})
}

// ── Embeddings ────────────────────────────────────────────────────────────────

// handleEmbeddings serves POST /v1/embeddings.
func (s *Server) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "embeddings"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass"
	inputTokens := 0
	cached := false
	respBytes := -1

	if s.gw.metrics != nil {
		s.gw.metrics.IncInFlight()
	}
	defer func() {
		m := s.gw.metrics
		if m == nil {
			return
		}
		m.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		m.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		m.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		m.AddTokens(servedProvider, route, inputTokens, 0, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	tenant, _ := ctx.UserValue("tenant_id").(string)
	clientKey := s.extractClientAPIKey(ctx)

	var req inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	ereq := &EmbedRequest{
		TenantID:  tenant,
		Model:     req.Model,
		Texts:     inputs,
		APIKey:    clientKey,
		RequestID: reqID,
	}

	s.gw.log.InfoContext(ctx, "embedding_request",
		slog.String("request_id", reqID),
		slog.String("tenant", tenant),
		slog.String("model", req.Model),
		slog.Int("inputs", len(inputs)),
	)

	res, err := s.gw.Embed(ctx, ereq)
	if err != nil {
		s.failEmbed(ctx, ereq, err, start)
		return
	}

	servedProvider = res.Provider
	cached = res.Cached
	inputTokens = res.Usage.PromptTokens
	switch {
	case res.Cached:
		cacheLabel = "hit"
	case s.gw.cacheEligible(req.Model):
		cacheLabel = "miss"
	}

	outData := make([]outboundEmbeddingData, len(res.Embeddings))
	for i, emb := range res.Embeddings {
		outData[i] = outboundEmbeddingData{
			Object:    "embedding",
			Index:     i,
			Embedding: emb,
		}
	}
	out := outboundEmbeddingResponse{
		Object: "list",
		Data:   outData,
		Model:  res.ModelUsed,
		Usage: outboundEmbeddingUsage{
			PromptTokens: res.Usage.PromptTokens,
			TotalTokens:  res.Usage.TotalTokens,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	s.gw.log.DebugContext(ctx, "embedding_ok",
		slog.String("request_id", reqID),
		slog.String("provider", res.Provider),
		slog.String("model_used", res.ModelUsed),
		slog.Int("vectors", len(res.Embeddings)),
		slog.Bool("cached", res.Cached),
		slog.Duration("elapsed", time.Since(start)),
	)

	if res.Cached {
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
	} else {
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)

	s.logRequest(requestLogEntry{
		RequestID: reqID,
		Tenant:    tenant,
		Provider:  res.Provider,
		Model:     req.Model,
		ModelUsed: res.ModelUsed,
		Op:        opEmbed,
		Usage:     res.Usage,
		Latency:   time.Since(start),
		Status:    fasthttp.StatusOK,
		Cached:    res.Cached,
	})
}

// ── Health, readiness, admin ──────────────────────────────────────────────────

// handleModels serves GET /v1/models: the logical models the gateway
// currently routes, in the OpenAI list format.
func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	models := s.gw.Models()
	slices.Sort(models)

	data := make([]modelObject, len(models))
	for i, m := range models {
		data[i] = modelObject{ID: m, Object: "model", OwnedBy: "model-gateway"}
	}
	writeJSON(ctx, modelListResponse{Object: "list", Data: data})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, s.gw.Health())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.gw.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

// handleInvalidateCache serves POST /admin/cache/invalidate. The body names a
// glob over fingerprint keys, e.g. {"pattern": "generate:gpt-4:*"}.
func (s *Server) handleInvalidateCache(ctx *fasthttp.RequestCtx) {
	var req invalidateRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Pattern == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'pattern' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	n, err := s.gw.InvalidateCache(ctx, req.Pattern)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			fmt.Sprintf("invalidation failed: %s", err.Error()),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	s.gw.log.InfoContext(ctx, "cache_invalidated",
		slog.String("pattern", req.Pattern),
		slog.Int("entries", n),
	)
	writeJSON(ctx, invalidateResponse{Invalidated: n})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// ── Error mapping ─────────────────────────────────────────────────────────────

// writeError maps the gateway error taxonomy onto the OpenAI-style HTTP error
// envelope.
//
//	ValidationError              → 400
//	UnknownModelError            → 404
//	RateLimitError               → 429 + Retry-After
//	AllProvidersExhaustedError   → by last cause: timeout 504, provider rate
//	                               limit 429, circuit open 503, otherwise 502
//	TargetError (direct)         → auth 401, timeout 504, otherwise 502
//	context.DeadlineExceeded     → 504
//	anything else                → 502
func writeError(ctx *fasthttp.RequestCtx, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	var ume *UnknownModelError
	if errors.As(err, &ume) {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeModelNotFound)
		return
	}

	var rle *RateLimitError
	if errors.As(err, &rle) {
		apierr.WriteRateLimit(ctx, rle.RetryAfter)
		return
	}

	// Exhaustion wraps the last per-target error, so it must be inspected
	// before the bare TargetError case.
	var exh *AllProvidersExhaustedError
	if errors.As(err, &exh) {
		last := exh.Last()
		if last == nil {
			apierr.Write(ctx, fasthttp.StatusBadGateway,
				err.Error(), apierr.TypeProviderError, apierr.CodeProvidersExhausted)
			return
		}
		switch last.Class {
		case ClassTimeout:
			apierr.WriteTimeout(ctx)
		case ClassProviderRateLimited:
			apierr.WriteRateLimit(ctx, 0)
		case ClassCircuitOpen:
			var coe *CircuitOpenError
			if errors.As(last, &coe) && coe.RetryAfter > 0 {
				secs := int64(coe.RetryAfter / time.Second)
				if coe.RetryAfter%time.Second > 0 {
					secs++
				}
				ctx.Response.Header.Set("Retry-After", fmt.Sprintf("%d", secs))
			}
			apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
				err.Error(), apierr.TypeProviderError, apierr.CodeProvidersExhausted)
		default:
			apierr.Write(ctx, fasthttp.StatusBadGateway,
				err.Error(), apierr.TypeProviderError, apierr.CodeProvidersExhausted)
		}
		return
	}

	var terr *TargetError
	if errors.As(err, &terr) {
		switch terr.Class {
		case ClassAuth:
			apierr.Write(ctx, fasthttp.StatusUnauthorized,
				err.Error(), apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
		case ClassTimeout:
			apierr.WriteTimeout(ctx)
		case ClassProviderRateLimited:
			apierr.WriteRateLimit(ctx, 0)
		default:
			apierr.Write(ctx, fasthttp.StatusBadGateway,
				err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
		}
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
}

// errorClassOf labels an error for the request-log row.
func errorClassOf(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return "validation"
	}
	var ume *UnknownModelError
	if errors.As(err, &ume) {
		return "unknown_model"
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return "rate_limited"
	}
	var exh *AllProvidersExhaustedError
	if errors.As(err, &exh) {
		return "all_providers_exhausted"
	}
	var terr *TargetError
	if errors.As(err, &terr) {
		return string(terr.Class)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return string(ClassTimeout)
	}
	return "error"
}

// failRequest writes the mapped error response and logs the failed chat
// request with the status that was actually sent.
func (s *Server) failRequest(ctx *fasthttp.RequestCtx, greq *GenerateRequest, op string, err error, start time.Time) {
	s.gw.log.ErrorContext(ctx, "request_failed",
		slog.String("request_id", greq.RequestID),
		slog.String("tenant", greq.TenantID),
		slog.String("model", greq.Model),
		slog.String("op", op),
		slog.String("error", err.Error()),
		slog.Duration("elapsed", time.Since(start)),
	)
	writeError(ctx, err)
	s.logRequest(requestLogEntry{
		RequestID: greq.RequestID,
		Tenant:    greq.TenantID,
		Model:     greq.Model,
		Op:        op,
		Latency:   time.Since(start),
		Status:    ctx.Response.StatusCode(),
		ErrClass:  errorClassOf(err),
	})
}

func (s *Server) failEmbed(ctx *fasthttp.RequestCtx, ereq *EmbedRequest, err error, start time.Time) {
	s.gw.log.ErrorContext(ctx, "request_failed",
		slog.String("request_id", ereq.RequestID),
		slog.String("tenant", ereq.TenantID),
		slog.String("model", ereq.Model),
		slog.String("op", opEmbed),
		slog.String("error", err.Error()),
		slog.Duration("elapsed", time.Since(start)),
	)
	writeError(ctx, err)
	s.logRequest(requestLogEntry{
		RequestID: ereq.RequestID,
		Tenant:    ereq.TenantID,
		Model:     ereq.Model,
		Op:        opEmbed,
		Latency:   time.Since(start),
		Status:    ctx.Response.StatusCode(),
		ErrClass:  errorClassOf(err),
	})
}

// ── Async request log ─────────────────────────────────────────────────────────

type requestLogEntry struct {
	RequestID string
	Tenant    string
	Provider  string
	Model     string
	ModelUsed string
	Op        string
	Usage     Usage
	Latency   time.Duration
	Status    int
	Cached    bool
	ErrClass  string
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (s *Server) logRequest(e requestLogEntry) {
	if s.gw.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(e.RequestID)

	// Clamp to uint16 max so we don't overflow the field.
	latencyMs := uint16(e.Latency.Milliseconds())
	if e.Latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}

	s.gw.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		TenantID:     e.Tenant,
		Provider:     e.Provider,
		Model:        e.Model,
		ModelUsed:    e.ModelUsed,
		Operation:    e.Op,
		InputTokens:  uint32(e.Usage.PromptTokens),
		OutputTokens: uint32(e.Usage.CompletionTokens),
		LatencyMs:    latencyMs,
		Status:       uint16(e.Status),
		Cached:       e.Cached,
		ErrorClass:   e.ErrClass,
		CreatedAt:    time.Now(),
	})
}

// ── Client API key pass-through ───────────────────────────────────────────────

// extractClientAPIKey returns the Authorization bearer token when pass-through
// is enabled. Deployments that enable it should also enable tenant-scoped
// fingerprints so responses never cross key boundaries.
func (s *Server) extractClientAPIKey(ctx *fasthttp.RequestCtx) string {
	if !s.opts.AllowClientAPIKeys {
		return ""
	}
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return ""
	}
	token := parseBearerToken(raw)
	if token == "" {
		return ""
	}
	s.gw.log.DebugContext(ctx, "client_key_passthrough",
		slog.String("key_id", hashAPIKey(token)))
	return token
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return ""
	}
	return token
}

// hashAPIKey returns a deterministic fingerprint of a pass-through key for
// log correlation without exposing the key itself.
func hashAPIKey(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// ── SSE ───────────────────────────────────────────────────────────────────────

// writeSSE streams response chunks as Server-Sent Events in the OpenAI
// chat.completion.chunk shape. onComplete is called once the stream drains
// with an estimated output token count (≈ chars/4), enabling async logging
// and metrics finalisation for streaming requests.
func writeSSE(ctx *fasthttp.RequestCtx, res *StreamResult, onComplete func(outputTokens int)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		var sb strings.Builder
		for chunk := range res.Chunks {
			sb.WriteString(chunk.Content)

			delta := map[string]any{
				"id":      "chatcmpl-stream",
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"model":   res.ModelUsed,
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": map[string]string{"content": chunk.Content},
						"finish_reason": func() any {
							if chunk.FinishReason != "" {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		// Estimate output tokens: ~4 characters per token (GPT-style heuristic).
		estimated := sb.Len() / 4
		if estimated == 0 {
			estimated = 1
		}
		if onComplete != nil {
			onComplete(estimated)
		}
	})
}
