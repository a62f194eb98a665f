package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/model-gateway/internal/cache"
	"github.com/nulpointcorp/model-gateway/internal/logger"
	"github.com/nulpointcorp/model-gateway/internal/metrics"
	"github.com/nulpointcorp/model-gateway/internal/providers"
	"github.com/nulpointcorp/model-gateway/internal/ratelimit"
)

const defaultCacheTTL = time.Hour

// GatewayOptions configures a Gateway. Every dependency is injected here so
// instances are fully assembled at construction; optional dependencies are
// nil-safe and simply disable their feature when absent.
type GatewayOptions struct {
	// Logger is the structured logger for request events and fallback
	// diagnostics. Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// Invoker tunes the per-target call policy (timeout, retries, backoff).
	Invoker InvokerConfig

	// Breaker tunes the per-target circuit breaker; used only when
	// EnableCircuitBreaker is set.
	Breaker BreakerConfig

	// Batch tunes the embedding batch window; used only when EnableBatching
	// is set.
	Batch BatcherConfig

	EnableCircuitBreaker bool
	EnableDeduplication  bool
	EnableBatching       bool

	// Cache enables response caching when non-nil. CacheTTL defaults to 1h.
	// Models matched by CacheBypass skip both lookup and store.
	Cache       cache.Cache
	CacheTTL    time.Duration
	CacheBypass *cache.BypassRules

	// TenantScopedKeys makes the tenant ID part of cache/dedup fingerprints,
	// so identical prompts from different tenants never share results.
	TenantScopedKeys bool

	// Limiter enables per-tenant admission control when non-nil.
	// QueueTimeout > 0 lets a rejected request wait for refill instead of
	// failing immediately. TokenWeightedCost switches the admission cost from
	// 1 per request to an estimated token count, so large requests drain the
	// bucket proportionally.
	Limiter           ratelimit.Limiter
	QueueTimeout      time.Duration
	TokenWeightedCost bool

	// RequestLogger is the async analytics sink (e.g. ClickHouse). Used by
	// the HTTP layer; never blocks the request path.
	RequestLogger *logger.Logger

	// Health prober wiring. CacheReady/SinkReady may be nil; ProbeInterval
	// of zero disables the background prober (the snapshot still carries
	// breaker/latency/rate-limit data).
	CacheReady    func() bool
	SinkReady     func() bool
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// Gateway composes routing, rate limiting, circuit breaking, deduplication,
// batching, caching, and retrying invocation into the Generate /
// GenerateStream / Embed operations. One instance owns all of its component
// state; Close releases the background goroutines it started.
type Gateway struct {
	providers map[string]providers.Provider
	routes    *RouteTable

	cache  cache.Cache
	bypass *cache.BypassRules

	cb      *CircuitBreaker // nil when breaking is disabled
	dedup   *Deduplicator   // nil when deduplication is disabled
	batcher *Batcher        // nil when batching is disabled
	invoker *Invoker
	latency *LatencyTracker
	limiter ratelimit.Limiter // nil when rate limiting is disabled
	health  *HealthMonitor

	reqLogger *logger.Logger
	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry

	cacheTTL      time.Duration
	tenantScoped  bool
	queueTimeout  time.Duration
	tokenWeighted bool
}

// NewGateway creates a fully wired Gateway. baseCtx is the application
// lifetime context: shared upstream calls (dedup leaders, batch dispatches)
// and background loops derive from it, never from a single caller's context.
func NewGateway(baseCtx context.Context, provs map[string]providers.Provider, routes *RouteTable, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if routes == nil {
		panic("gateway: route table must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}

	g := &Gateway{
		providers:     provs,
		routes:        routes,
		cache:         opts.Cache,
		bypass:        opts.CacheBypass,
		latency:       NewLatencyTracker(),
		limiter:       opts.Limiter,
		reqLogger:     opts.RequestLogger,
		baseCtx:       baseCtx,
		log:           log,
		metrics:       opts.Metrics,
		cacheTTL:      cacheTTL,
		tenantScoped:  opts.TenantScopedKeys,
		queueTimeout:  opts.QueueTimeout,
		tokenWeighted: opts.TokenWeightedCost,
	}

	if opts.EnableCircuitBreaker {
		g.cb = NewCircuitBreaker(opts.Breaker)
	}
	if opts.EnableDeduplication {
		g.dedup = NewDeduplicator()
	}
	g.invoker = NewInvoker(opts.Invoker, log, opts.Metrics, g.latency)
	if opts.EnableBatching {
		g.batcher = NewBatcher(baseCtx, opts.Batch, g.dispatchEmbedBatch, log, opts.Metrics)
	}

	g.health = NewHealthMonitor(baseCtx, HealthMonitorOptions{
		Providers:     provs,
		Breaker:       g.cb,
		Latency:       g.latency,
		Limiter:       opts.Limiter,
		CacheReady:    opts.CacheReady,
		SinkReady:     opts.SinkReady,
		Metrics:       opts.Metrics,
		ProbeInterval: opts.ProbeInterval,
		ProbeTimeout:  opts.ProbeTimeout,
	})

	return g
}

// Close stops the goroutines the Gateway owns: the batch dispatcher (pending
// windows are flushed) and the health prober. Injected dependencies (cache,
// limiter, request logger) are closed by their owner.
func (g *Gateway) Close() {
	if g.batcher != nil {
		g.batcher.Close()
	}
	g.health.Close()
}

// Health returns the current health snapshot.
func (g *Gateway) Health() HealthSnapshot { return g.health.Snapshot() }

// ReadinessOK reports whether the gateway should receive traffic.
func (g *Gateway) ReadinessOK() bool { return g.health.ReadinessOK() }

// Models returns the logical models the gateway currently routes.
func (g *Gateway) Models() []string { return g.routes.Models() }

// InvalidateCache removes all cached responses whose key matches the glob
// pattern and returns the count removed.
func (g *Gateway) InvalidateCache(ctx context.Context, pattern string) (int, error) {
	if g.cache == nil {
		return 0, nil
	}
	n, err := g.cache.Invalidate(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if g.metrics != nil {
		g.metrics.RecordCacheInvalidated(n)
	}
	return n, nil
}

// Generate performs a non-streaming completion: cache lookup, in-flight
// deduplication, rate-limit admission, then the fallback walk over the
// model's route targets. The returned result may be shared with concurrent
// identical requests and must not be mutated.
func (g *Gateway) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	if err := validateGenerate(req); err != nil {
		return nil, err
	}
	targets, err := g.routes.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	fp := generateFingerprint(g.tenantScoped, req)

	if g.cacheEligible(req.Model) {
		if res, ok := g.cachedGenerate(ctx, fp); ok {
			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", req.RequestID),
				slog.String("model", req.Model),
			)
			return res, nil
		}
	} else if g.metrics != nil {
		g.metrics.CacheGetBypass()
	}

	// The upstream closure runs admission, the target walk, and the cache
	// store. Under deduplication it executes once per fingerprint on the
	// gateway's own context, so one caller leaving cannot abort the shared
	// call; every waiter receives the same result or the same error.
	upstream := func(callCtx context.Context) (*GenerateResult, error) {
		if err := g.admit(callCtx, req.TenantID, targets[0].Provider, req.RequestID, g.generateCost(req)); err != nil {
			return nil, err
		}
		resp, target, err := g.chatUpstream(callCtx, targets, req, false)
		if err != nil {
			return nil, err
		}
		res := &GenerateResult{
			ID:           resp.ID,
			Text:         resp.Content,
			Model:        req.Model,
			ModelUsed:    target.Model,
			Provider:     target.Provider,
			FinishReason: resp.FinishReason,
			Usage:        usageFrom(resp.Usage),
		}
		if g.cacheEligible(req.Model) {
			g.storeCached(callCtx, fp, res)
		}
		return res, nil
	}

	if g.dedup == nil {
		return upstream(ctx)
	}

	v, leader, err := g.dedup.Do(ctx, fp, func() (any, error) {
		return upstream(g.baseCtx)
	})
	if g.metrics != nil {
		role := "follower"
		if leader {
			role = "leader"
		}
		g.metrics.RecordDedup(role)
	}
	if err != nil {
		return nil, err
	}
	if !leader {
		g.log.DebugContext(ctx, "dedup_joined",
			slog.String("request_id", req.RequestID),
			slog.String("model", req.Model),
		)
	}
	return v.(*GenerateResult), nil
}

// GenerateStream opens a streaming completion. Streams are never cached,
// deduplicated, or batched; each stream is an independent upstream call bound
// to the caller's context.
func (g *Gateway) GenerateStream(ctx context.Context, req *GenerateRequest) (*StreamResult, error) {
	if err := validateGenerate(req); err != nil {
		return nil, err
	}
	targets, err := g.routes.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	if err := g.admit(ctx, req.TenantID, targets[0].Provider, req.RequestID, g.generateCost(req)); err != nil {
		return nil, err
	}
	resp, target, err := g.chatUpstream(ctx, targets, req, true)
	if err != nil {
		return nil, err
	}
	return &StreamResult{
		Provider:  target.Provider,
		ModelUsed: target.Model,
		Chunks:    resp.Stream,
	}, nil
}

// Embed performs an embedding call: cache lookup, deduplication, admission,
// then either the shared batch window or a direct fallback walk. Embeddings
// are returned in input order.
func (g *Gateway) Embed(ctx context.Context, req *EmbedRequest) (*EmbedResult, error) {
	if err := validateEmbed(req); err != nil {
		return nil, err
	}
	targets, err := g.routes.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	fp := embedFingerprint(g.tenantScoped, req)

	if g.cacheEligible(req.Model) {
		if res, ok := g.cachedEmbed(ctx, fp); ok {
			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", req.RequestID),
				slog.String("model", req.Model),
			)
			return res, nil
		}
	} else if g.metrics != nil {
		g.metrics.CacheGetBypass()
	}

	upstream := func(callCtx context.Context) (*EmbedResult, error) {
		if err := g.admit(callCtx, req.TenantID, targets[0].Provider, req.RequestID, g.embedCost(req.Texts)); err != nil {
			return nil, err
		}
		var res *EmbedResult
		var err error
		if g.batcher != nil {
			// Batched calls use the gateway's provider credentials; a window
			// can carry texts from several callers.
			res, err = g.batcher.Enqueue(callCtx, req.Model, req.Texts)
		} else {
			res, err = g.embedUpstream(callCtx, req.Model, req.Texts, req.APIKey, req.RequestID)
		}
		if err != nil {
			return nil, err
		}
		if g.cacheEligible(req.Model) {
			g.storeCached(callCtx, fp, res)
		}
		return res, nil
	}

	if g.dedup == nil {
		return upstream(ctx)
	}

	v, leader, err := g.dedup.Do(ctx, fp, func() (any, error) {
		return upstream(g.baseCtx)
	})
	if g.metrics != nil {
		role := "follower"
		if leader {
			role = "leader"
		}
		g.metrics.RecordDedup(role)
	}
	if err != nil {
		return nil, err
	}
	return v.(*EmbedResult), nil
}

// ── Admission ─────────────────────────────────────────────────────────────────

// admit charges one request against the (tenant, primary provider) bucket,
// waiting up to queueTimeout for refill when queuing is enabled. A denied
// admission returns *RateLimitError.
func (g *Gateway) admit(ctx context.Context, tenant, provider, requestID string, cost float64) error {
	if g.limiter == nil {
		return nil
	}
	res, err := ratelimit.Wait(ctx, g.limiter, tenant, provider, cost, g.queueTimeout)
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("error")
		}
		return err
	}
	if !res.Allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked")
		}
		g.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("request_id", requestID),
			slog.String("tenant", tenant),
			slog.String("provider", provider),
			slog.Duration("retry_after", res.RetryAfter),
		)
		return &RateLimitError{Tenant: tenant, Provider: provider, RetryAfter: res.RetryAfter}
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimit("allowed")
	}
	return nil
}

// generateCost estimates the admission cost of a completion request:
// 1 request-unit, or prompt chars/4 plus the output budget when
// token-weighted costing is on.
func (g *Gateway) generateCost(req *GenerateRequest) float64 {
	if !g.tokenWeighted {
		return 1
	}
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	est := chars/4 + req.MaxTokens
	if est < 1 {
		est = 1
	}
	return float64(est)
}

func (g *Gateway) embedCost(texts []string) float64 {
	if !g.tokenWeighted {
		return 1
	}
	chars := 0
	for _, t := range texts {
		chars += len(t)
	}
	est := chars / 4
	if est < 1 {
		est = 1
	}
	return float64(est)
}

// ── Target walk ───────────────────────────────────────────────────────────────

// chatUpstream walks the fallback chain in route order: open breakers are
// skipped, each remaining target gets the invoker's full retry policy, and a
// structural failure (auth, invalid request) surfaces immediately because it
// would fail identically on every target. Returns the response and the target
// that served it.
func (g *Gateway) chatUpstream(ctx context.Context, targets []RouteTarget, req *GenerateRequest, stream bool) (*providers.ChatResponse, RouteTarget, error) {
	base := providers.ChatRequest{
		Messages:    req.Messages,
		Stream:      stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		APIKey:      req.APIKey,
		RequestID:   req.RequestID,
	}

	attempts := make([]*TargetError, 0, len(targets))
	prevID, prevReason := "", ""

	for _, target := range targets {
		if terr := g.allowTarget(ctx, target, req.RequestID); terr != nil {
			attempts = append(attempts, terr)
			prevID, prevReason = target.ID(), string(terr.Class)
			continue
		}

		if len(attempts) > 0 {
			g.recordFallback(ctx, targets[0], prevID, target, prevReason, req.RequestID)
		}

		preq := base
		preq.Model = target.Model
		resp, err := g.invoker.Invoke(ctx, g.providers[target.Provider], target, &preq)
		if err != nil {
			terr := err.(*TargetError)
			g.recordOutcome(target, false)
			attempts = append(attempts, terr)
			if !terr.Class.FallbackEligible() {
				return nil, target, terr
			}
			if ctx.Err() != nil {
				break
			}
			prevID, prevReason = target.ID(), string(terr.Class)
			continue
		}

		if stream && resp.Stream == nil {
			// Adapter broke the streaming contract; treat like a bad
			// response and move on.
			terr := &TargetError{
				Target:   target.ID(),
				Class:    ClassInvalidResponse,
				Attempts: 1,
				Err:      fmt.Errorf("provider %q returned no stream", target.Provider),
			}
			g.recordOutcome(target, false)
			attempts = append(attempts, terr)
			prevID, prevReason = target.ID(), string(terr.Class)
			continue
		}

		g.recordOutcome(target, true)
		if len(attempts) > 0 && g.metrics != nil {
			g.metrics.RecordFallbackSuccess(targets[0].ID(), target.ID())
		}
		return resp, target, nil
	}

	return nil, RouteTarget{}, g.exhausted(ctx, req.Model, req.RequestID, attempts)
}

// embedUpstream is the embedding flavor of the walk. It re-resolves the
// logical model so batch dispatches (which see only model + texts) share the
// same path.
func (g *Gateway) embedUpstream(ctx context.Context, model string, texts []string, apiKey, requestID string) (*EmbedResult, error) {
	targets, err := g.routes.Resolve(model)
	if err != nil {
		return nil, err
	}

	attempts := make([]*TargetError, 0, len(targets))
	prevID, prevReason := "", ""

	for _, target := range targets {
		if terr := g.allowTarget(ctx, target, requestID); terr != nil {
			attempts = append(attempts, terr)
			prevID, prevReason = target.ID(), string(terr.Class)
			continue
		}

		embedder, ok := g.providers[target.Provider].(providers.EmbeddingProvider)
		if !ok {
			attempts = append(attempts, &TargetError{
				Target: target.ID(),
				Class:  ClassInvalidResponse,
				Err:    fmt.Errorf("provider %q does not support embeddings", target.Provider),
			})
			prevID, prevReason = target.ID(), string(ClassInvalidResponse)
			continue
		}

		if len(attempts) > 0 {
			g.recordFallback(ctx, targets[0], prevID, target, prevReason, requestID)
		}

		resp, err := g.invoker.InvokeEmbed(ctx, embedder, target, &providers.EmbeddingRequest{
			Input:     texts,
			Model:     target.Model,
			APIKey:    apiKey,
			RequestID: requestID,
		})
		if err != nil {
			terr := err.(*TargetError)
			g.recordOutcome(target, false)
			attempts = append(attempts, terr)
			if !terr.Class.FallbackEligible() {
				return nil, terr
			}
			if ctx.Err() != nil {
				break
			}
			prevID, prevReason = target.ID(), string(terr.Class)
			continue
		}

		if len(resp.Data) != len(texts) {
			terr := &TargetError{
				Target:   target.ID(),
				Class:    ClassInvalidResponse,
				Attempts: 1,
				Err:      fmt.Errorf("provider %q returned %d embeddings for %d inputs", target.Provider, len(resp.Data), len(texts)),
			}
			g.recordOutcome(target, false)
			attempts = append(attempts, terr)
			prevID, prevReason = target.ID(), string(terr.Class)
			continue
		}

		g.recordOutcome(target, true)
		if len(attempts) > 0 && g.metrics != nil {
			g.metrics.RecordFallbackSuccess(targets[0].ID(), target.ID())
		}

		vectors := make([][]float32, len(resp.Data))
		for i, d := range resp.Data {
			vectors[i] = d.Embedding
		}
		return &EmbedResult{
			Embeddings: vectors,
			Model:      model,
			ModelUsed:  target.Model,
			Provider:   target.Provider,
			Usage:      usageFrom(resp.Usage),
		}, nil
	}

	return nil, g.exhausted(ctx, model, requestID, attempts)
}

// dispatchEmbedBatch is the Batcher's upstream: one coalesced call carrying a
// whole window's texts.
func (g *Gateway) dispatchEmbedBatch(ctx context.Context, model string, texts []string) (*EmbedResult, error) {
	return g.embedUpstream(ctx, model, texts, "", "")
}

// allowTarget applies the breaker skip filter. A skipped target contributes a
// circuit_open entry to the attempt list so exhaustion diagnostics show why
// it was never called.
func (g *Gateway) allowTarget(ctx context.Context, target RouteTarget, requestID string) *TargetError {
	if target.Provider == "" || g.providers[target.Provider] == nil {
		return &TargetError{
			Target: target.ID(),
			Class:  ClassTransientNetwork,
			Err:    fmt.Errorf("provider %q not registered", target.Provider),
		}
	}
	if g.cb == nil || g.cb.Allow(target.ID()) {
		return nil
	}

	state := g.cb.StateLabel(target.ID())
	if g.metrics != nil {
		g.metrics.RecordCircuitBreakerRejection(target.ID(), state)
	}
	g.log.DebugContext(ctx, "target_skipped",
		slog.String("request_id", requestID),
		slog.String("target", target.ID()),
		slog.String("breaker_state", state),
	)
	return &TargetError{
		Target: target.ID(),
		Class:  ClassCircuitOpen,
		Err:    &CircuitOpenError{Target: target.ID(), RetryAfter: g.cb.RetryAfter(target.ID())},
	}
}

// recordOutcome updates the breaker and its state gauge after an invoked
// attempt run (not after skips).
func (g *Gateway) recordOutcome(target RouteTarget, success bool) {
	if g.cb == nil {
		return
	}
	if success {
		g.cb.RecordSuccess(target.ID())
	} else {
		g.cb.RecordFailure(target.ID())
	}
	if g.metrics != nil {
		g.metrics.SetCircuitBreaker(target.ID(), int64(g.cb.State(target.ID())))
	}
}

func (g *Gateway) recordFallback(ctx context.Context, primary RouteTarget, fromID string, to RouteTarget, reason, requestID string) {
	if g.metrics != nil {
		g.metrics.RecordFallback(primary.ID(), fromID, to.ID(), reason)
	}
	g.log.InfoContext(ctx, "fallback_attempt",
		slog.String("request_id", requestID),
		slog.String("from", fromID),
		slog.String("to", to.ID()),
		slog.String("reason", reason),
	)
}

func (g *Gateway) exhausted(ctx context.Context, model, requestID string, attempts []*TargetError) error {
	if g.metrics != nil {
		g.metrics.RecordFallbackExhausted(model)
	}
	g.log.ErrorContext(ctx, "all_targets_exhausted",
		slog.String("request_id", requestID),
		slog.String("model", model),
		slog.Int("targets", len(attempts)),
	)
	return &AllProvidersExhaustedError{Model: model, Attempts: attempts}
}

// ── Cache ─────────────────────────────────────────────────────────────────────

func (g *Gateway) cacheEligible(model string) bool {
	return g.cache != nil && !g.bypass.Matches(model)
}

func (g *Gateway) cachedGenerate(ctx context.Context, fp string) (*GenerateResult, bool) {
	var res GenerateResult
	if !g.cacheGet(ctx, fp, &res) {
		return nil, false
	}
	res.Cached = true
	return &res, true
}

func (g *Gateway) cachedEmbed(ctx context.Context, fp string) (*EmbedResult, bool) {
	var res EmbedResult
	if !g.cacheGet(ctx, fp, &res) {
		return nil, false
	}
	res.Cached = true
	return &res, true
}

func (g *Gateway) cacheGet(ctx context.Context, fp string, out any) bool {
	data, ok := g.cache.Get(ctx, fp)
	if !ok {
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		// Corrupt entry: count as a miss and let the store path overwrite it.
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
		return false
	}
	if g.metrics != nil {
		g.metrics.CacheGetHit()
	}
	return true
}

func (g *Gateway) storeCached(ctx context.Context, fp string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := g.cache.Set(ctx, fp, data, g.cacheTTL); err != nil {
		if g.metrics != nil {
			g.metrics.CacheSetError()
		}
		return
	}
	if g.metrics != nil {
		g.metrics.CacheSetOK()
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func validateGenerate(req *GenerateRequest) error {
	if req.Model == "" {
		return &ValidationError{Field: "model", Reason: "required"}
	}
	if len(req.Messages) == 0 {
		return &ValidationError{Field: "messages", Reason: "must not be empty"}
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return &ValidationError{Field: "temperature", Reason: "must be between 0 and 2"}
	}
	if req.MaxTokens < 0 {
		return &ValidationError{Field: "max_tokens", Reason: "must not be negative"}
	}
	return nil
}

func validateEmbed(req *EmbedRequest) error {
	if req.Model == "" {
		return &ValidationError{Field: "model", Reason: "required"}
	}
	if len(req.Texts) == 0 {
		return &ValidationError{Field: "texts", Reason: "must not be empty"}
	}
	return nil
}
