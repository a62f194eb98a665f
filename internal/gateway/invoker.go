package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"time"

	"github.com/nulpointcorp/model-gateway/internal/metrics"
	"github.com/nulpointcorp/model-gateway/internal/providers"
)

const (
	defaultInvokeTimeout = providers.DefaultTimeout
	defaultRetryDelay    = 250 * time.Millisecond
	defaultMaxRetryDelay = 8 * time.Second
)

// InvokerConfig tunes the per-target call policy. MaxRetries counts extra
// attempts after the first; zero disables retries entirely (defaults are
// applied by the config layer, not here).
type InvokerConfig struct {
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

func (c InvokerConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultInvokeTimeout
}

func (c InvokerConfig) retryDelay() time.Duration {
	if c.RetryDelay > 0 {
		return c.RetryDelay
	}
	return defaultRetryDelay
}

func (c InvokerConfig) maxRetryDelay() time.Duration {
	if c.MaxRetryDelay > 0 {
		return c.MaxRetryDelay
	}
	return defaultMaxRetryDelay
}

// Classify maps an upstream error into the gateway's failure taxonomy.
// Unknown errors land in ClassTransientNetwork so an unrecognized failure
// still allows retry and fallback rather than failing the request outright.
func Classify(err error) ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTimeout
	}

	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return classifyStatus(sc.HTTPStatus())
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return ClassTimeout
		}
		return ClassTransientNetwork
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassTransientNetwork
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return ClassInvalidResponse
	}

	return ClassTransientNetwork
}

func classifyStatus(status int) ErrorClass {
	switch {
	case status == 401 || status == 403:
		return ClassAuth
	case status == 408:
		return ClassTimeout
	case status == 429:
		return ClassProviderRateLimited
	case status >= 500:
		return ClassTransientNetwork
	default:
		// Remaining 4xx: the provider understood us and said no. Retrying
		// the same parameters cannot change the answer.
		return ClassInvalidResponse
	}
}

// backoffDelay returns the sleep before retry number retry (0-based):
// base doubled per retry, capped, with equal jitter so synchronized clients
// don't re-arrive in lockstep.
func backoffDelay(base, max time.Duration, retry int) time.Duration {
	d := base
	for i := 0; i < retry && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	half := d / 2
	return half + rand.N(half+1)
}

// Invoker executes one upstream call against one route target: per-attempt
// timeout, failure classification, and bounded same-target retries for
// transient classes. Moving on to another target is the orchestrator's job.
type Invoker struct {
	cfg     InvokerConfig
	log     *slog.Logger
	metrics *metrics.Registry
	latency *LatencyTracker
}

// NewInvoker builds an Invoker. metrics and latency may be nil; a nil logger
// defaults to slog.Default().
func NewInvoker(cfg InvokerConfig, log *slog.Logger, reg *metrics.Registry, lat *LatencyTracker) *Invoker {
	if log == nil {
		log = slog.Default()
	}
	return &Invoker{cfg: cfg, log: log, metrics: reg, latency: lat}
}

// Invoke performs a chat completion against target. The returned error, when
// non-nil, is always a *TargetError carrying the final failure class and the
// number of attempts spent.
func (iv *Invoker) Invoke(ctx context.Context, prov providers.Provider, target RouteTarget, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	op := opGenerate
	if req.Stream {
		op = opStream
	}

	var resp *providers.ChatResponse
	terr := iv.do(ctx, target, op, req.RequestID, req.Stream, func(attemptCtx context.Context) error {
		r, err := prov.Complete(attemptCtx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if terr != nil {
		return nil, terr
	}
	return resp, nil
}

// InvokeEmbed performs an embedding call against target with the same
// timeout/retry policy as Invoke.
func (iv *Invoker) InvokeEmbed(ctx context.Context, prov providers.EmbeddingProvider, target RouteTarget, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	var resp *providers.EmbeddingResponse
	terr := iv.do(ctx, target, opEmbed, req.RequestID, false, func(attemptCtx context.Context) error {
		r, err := prov.Embed(attemptCtx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if terr != nil {
		return nil, terr
	}
	return resp, nil
}

func (iv *Invoker) do(ctx context.Context, target RouteTarget, op, requestID string, streaming bool, call func(context.Context) error) *TargetError {
	maxRetries := iv.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var (
		lastErr   error
		lastClass ErrorClass
		attempts  int
	)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if iv.metrics != nil {
				iv.metrics.RecordRetry(target.Provider, string(lastClass))
			}
			delay := backoffDelay(iv.cfg.retryDelay(), iv.cfg.maxRetryDelay(), attempt-1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return &TargetError{Target: target.ID(), Class: ClassTimeout, Attempts: attempts, Err: ctx.Err()}
			case <-timer.C:
			}
		}

		// Streamed calls keep the parent context: the response channel
		// outlives the attempt, so an attempt deadline would kill the
		// stream mid-flight.
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if !streaming {
			attemptCtx, cancel = context.WithTimeout(ctx, iv.cfg.timeout())
		}

		start := time.Now()
		err := call(attemptCtx)
		dur := time.Since(start)
		cancel()
		attempts++

		if err == nil {
			if iv.metrics != nil {
				iv.metrics.ObserveUpstreamAttempt(target.Provider, op, "success", dur)
			}
			if iv.latency != nil {
				iv.latency.Record(target.ID(), dur)
			}
			return nil
		}

		class := Classify(err)
		lastErr, lastClass = err, class

		if iv.metrics != nil {
			iv.metrics.ObserveUpstreamAttempt(target.Provider, op, string(class), dur)
			iv.metrics.RecordError(target.Provider, string(class))
		}
		iv.log.WarnContext(ctx, "upstream_attempt_failed",
			slog.String("request_id", requestID),
			slog.String("target", target.ID()),
			slog.String("op", op),
			slog.String("class", string(class)),
			slog.Int("attempt", attempts),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		if !class.Retryable() || ctx.Err() != nil {
			break
		}
	}

	return &TargetError{Target: target.ID(), Class: lastClass, Attempts: attempts, Err: lastErr}
}
