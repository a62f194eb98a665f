// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// gateway_request_duration_seconds{provider,op,cache}
	requestDuration *prometheus.HistogramVec

	// gateway_upstream_attempts_total{provider,op,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,op,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_upstream_retries_total{provider,class}
	upstreamRetries *prometheus.CounterVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// gateway_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// gateway_cache_invalidated_entries_total
	cacheInvalidated prometheus.Counter

	// gateway_dedup_total{role} — leader executes, follower shares the result
	dedupTotal *prometheus.CounterVec

	// gateway_batch_size{model}
	batchSize *prometheus.HistogramVec

	// gateway_batch_flushes_total{model,reason}
	batchFlushes *prometheus.CounterVec

	// provider_errors_total{provider, error_type}
	providerErrors *prometheus.CounterVec

	// circuit_breaker_state{target} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_circuit_breaker_transitions_total{target,to_state}
	cbTransitions *prometheus.CounterVec

	// gateway_circuit_breaker_rejections_total{target,state}
	cbRejections *prometheus.CounterVec

	// gateway_fallback_events_total{primary,from,to,reason}
	fallbackEvents *prometheus.CounterVec

	// gateway_fallback_success_total{primary,to}
	fallbackSuccess *prometheus.CounterVec

	// gateway_fallback_exhausted_total{model}
	fallbackExhausted *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_tokens_total{provider,op,direction,cache}
	tokensTotal *prometheus.CounterVec

	// gateway_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// gateway_request_log_dropped_total
	requestLogDropped prometheus.Counter

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end request duration (gateway perspective) in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "op", "cache"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream provider attempts (includes retries and fallbacks)",
			},
			[]string{"provider", "op", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "op", "outcome"},
		),

		upstreamRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_retries_total",
				Help: "Retries against the same target, by failure class",
			},
			[]string{"provider", "class"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		cacheInvalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_invalidated_entries_total",
			Help: "Entries removed by admin cache invalidation",
		}),

		dedupTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dedup_total",
				Help: "Deduplicated request roles (leader executes upstream, follower shares the leader's result)",
			},
			[]string{"role"},
		),

		batchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_batch_size",
				Help:    "Number of requests coalesced into one upstream embedding call",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
			},
			[]string{"model"},
		),

		batchFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_batch_flushes_total",
				Help: "Batch window dispatches by trigger reason",
			},
			[]string{"model", "reason"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_errors_total",
				Help: "Total provider errors by type",
			},
			[]string{"provider", "error_type"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"target"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"target", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_rejections_total",
				Help: "Targets skipped due to circuit breaker state",
			},
			[]string{"target", "state"},
		),

		fallbackEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_fallback_events_total",
				Help: "Fallback events between route targets (emitted when switching targets)",
			},
			[]string{"primary", "from", "to", "reason"},
		),

		fallbackSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_fallback_success_total",
				Help: "Requests served by a non-primary route target",
			},
			[]string{"primary", "to"},
		),

		fallbackExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_fallback_exhausted_total",
				Help: "Requests that exhausted every route target without success",
			},
			[]string{"model"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "op", "direction", "cache"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		requestLogDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_request_log_dropped_total",
			Help: "Request log records dropped because the logger queue was full",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.requestDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.upstreamRetries,
		r.cacheHits,
		r.cacheMisses,
		r.cacheOps,
		r.cacheInvalidated,
		r.dedupTotal,
		r.batchSize,
		r.batchFlushes,
		r.providerErrors,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.fallbackEvents,
		r.fallbackSuccess,
		r.fallbackExhausted,
		r.rateLimitTotal,
		r.tokensTotal,
		r.providerHealth,
		r.requestLogDropped,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveGatewayRequest records per-provider request latency and cache status.
func (r *Registry) ObserveGatewayRequest(provider, op, cache string, dur time.Duration) {
	r.requestDuration.WithLabelValues(provider, op, cache).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, op, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, op, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, op, outcome).Observe(dur.Seconds())
}

// RecordRetry counts one same-target retry caused by the given failure class.
func (r *Registry) RecordRetry(provider, class string) {
	r.upstreamRetries.WithLabelValues(provider, class).Inc()
}

func (r *Registry) RecordFallback(primary, from, to, reason string) {
	r.fallbackEvents.WithLabelValues(primary, from, to, reason).Inc()
}

func (r *Registry) RecordFallbackSuccess(primary, to string) {
	r.fallbackSuccess.WithLabelValues(primary, to).Inc()
}

func (r *Registry) RecordFallbackExhausted(model string) {
	r.fallbackExhausted.WithLabelValues(model).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() {
	r.cacheOps.WithLabelValues("get", "bypass").Inc()
}

func (r *Registry) CacheSetOK() {
	r.cacheOps.WithLabelValues("set", "ok").Inc()
}

func (r *Registry) CacheSetError() {
	r.cacheOps.WithLabelValues("set", "error").Inc()
}

// RecordCacheInvalidated counts entries removed by an admin invalidation.
func (r *Registry) RecordCacheInvalidated(n int) {
	r.cacheOps.WithLabelValues("invalidate", "ok").Inc()
	if n > 0 {
		r.cacheInvalidated.Add(float64(n))
	}
}

// RecordDedup counts one deduplicated request by role ("leader"/"follower").
func (r *Registry) RecordDedup(role string) {
	r.dedupTotal.WithLabelValues(role).Inc()
}

// ObserveBatch records one dispatched embedding batch.
// Reason is "full" (size trigger) or "timeout" (window expiry).
func (r *Registry) ObserveBatch(model string, size int, reason string) {
	r.batchSize.WithLabelValues(model).Observe(float64(size))
	r.batchFlushes.WithLabelValues(model, reason).Inc()
}

func (r *Registry) AddTokens(provider, op string, inputTokens, outputTokens int, cached bool) {
	cache := "miss"
	if cached {
		cache = "hit"
	}
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, op, "input", cache).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, op, "output", cache).Add(float64(outputTokens))
	}
	if inputTokens+outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, op, "total", cache).Add(float64(inputTokens + outputTokens))
	}
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) RecordLogDropped() {
	r.requestLogDropped.Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(target string, state int64) {
	r.circuitBreakerState.WithLabelValues(target).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[target]
	if !ok || prev != float64(state) {
		r.lastCBState[target] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.cbTransitions.WithLabelValues(target, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(target, state string) {
	r.cbRejections.WithLabelValues(target, state).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
