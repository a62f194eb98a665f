package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/nulpointcorp/model-gateway/internal/providers"
)

// statusErr mimics a provider API error carrying an HTTP status.
type statusErr struct {
	status int
}

func (e *statusErr) Error() string   { return fmt.Sprintf("upstream status %d", e.status) }
func (e *statusErr) HTTPStatus() int { return e.status }

// fakeProvider scripts Complete responses per call number (1-based).
type fakeProvider struct {
	name    string
	calls   int
	lastCtx context.Context
	fn      func(ctx context.Context, call int) (*providers.ChatResponse, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	f.calls++
	f.lastCtx = ctx
	return f.fn(ctx, f.calls)
}

func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

// fakeEmbedder scripts Embed responses per call number (1-based).
type fakeEmbedder struct {
	name  string
	calls int
	fn    func(ctx context.Context, call int, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error)
}

func (f *fakeEmbedder) Name() string { return f.name }

func (f *fakeEmbedder) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	f.calls++
	return f.fn(ctx, f.calls, req)
}

func (f *fakeEmbedder) HealthCheck(ctx context.Context) error { return nil }

func okResponse() *providers.ChatResponse {
	return &providers.ChatResponse{
		ID:           "resp-1",
		Content:      "hello",
		FinishReason: "stop",
		Usage:        providers.Usage{InputTokens: 3, OutputTokens: 2},
	}
}

var fastRetry = InvokerConfig{
	Timeout:       time.Second,
	MaxRetries:    2,
	RetryDelay:    time.Millisecond,
	MaxRetryDelay: 4 * time.Millisecond,
}

var invokeTarget = RouteTarget{Provider: "openai", Model: "gpt-4o"}

func TestInvoker_Success(t *testing.T) {
	lat := NewLatencyTracker()
	iv := NewInvoker(fastRetry, nil, nil, lat)
	prov := &fakeProvider{name: "openai", fn: func(ctx context.Context, call int) (*providers.ChatResponse, error) {
		return okResponse(), nil
	}}

	resp, err := iv.Invoke(context.Background(), prov, invokeTarget, &providers.ChatRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q", resp.Content)
	}
	if prov.calls != 1 {
		t.Errorf("calls = %d, want 1", prov.calls)
	}
	if got := lat.Stats(invokeTarget.ID()); got.Count != 1 {
		t.Errorf("latency samples = %d, want 1", got.Count)
	}
}

func TestInvoker_RetriesTransientThenSucceeds(t *testing.T) {
	iv := NewInvoker(fastRetry, nil, nil, nil)
	prov := &fakeProvider{name: "openai", fn: func(ctx context.Context, call int) (*providers.ChatResponse, error) {
		if call < 3 {
			return nil, &statusErr{status: 503}
		}
		return okResponse(), nil
	}}

	resp, err := iv.Invoke(context.Background(), prov, invokeTarget, &providers.ChatRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp == nil || prov.calls != 3 {
		t.Errorf("calls = %d, want 3", prov.calls)
	}
}

func TestInvoker_RetriesProviderRateLimit(t *testing.T) {
	iv := NewInvoker(fastRetry, nil, nil, nil)
	prov := &fakeProvider{name: "openai", fn: func(ctx context.Context, call int) (*providers.ChatResponse, error) {
		if call == 1 {
			return nil, &statusErr{status: 429}
		}
		return okResponse(), nil
	}}

	if _, err := iv.Invoke(context.Background(), prov, invokeTarget, &providers.ChatRequest{Model: "gpt-4o"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prov.calls != 2 {
		t.Errorf("calls = %d, want 2", prov.calls)
	}
}

func TestInvoker_NoRetryOnAuth(t *testing.T) {
	iv := NewInvoker(fastRetry, nil, nil, nil)
	prov := &fakeProvider{name: "openai", fn: func(ctx context.Context, call int) (*providers.ChatResponse, error) {
		return nil, &statusErr{status: 401}
	}}

	_, err := iv.Invoke(context.Background(), prov, invokeTarget, &providers.ChatRequest{Model: "gpt-4o"})
	if err == nil {
		t.Fatal("expected error")
	}
	if prov.calls != 1 {
		t.Errorf("calls = %d, want 1 (auth errors must not be retried)", prov.calls)
	}

	var terr *TargetError
	if !errors.As(err, &terr) {
		t.Fatalf("error is %T, want *TargetError", err)
	}
	if terr.Class != ClassAuth || terr.Attempts != 1 || terr.Target != "openai/gpt-4o" {
		t.Errorf("TargetError = %+v", terr)
	}
}

func TestInvoker_NoRetryOnInvalidResponse(t *testing.T) {
	iv := NewInvoker(fastRetry, nil, nil, nil)
	prov := &fakeProvider{name: "openai", fn: func(ctx context.Context, call int) (*providers.ChatResponse, error) {
		return nil, &statusErr{status: 400}
	}}

	_, err := iv.Invoke(context.Background(), prov, invokeTarget, &providers.ChatRequest{Model: "gpt-4o"})
	var terr *TargetError
	if !errors.As(err, &terr) {
		t.Fatalf("error is %T, want *TargetError", err)
	}
	if terr.Class != ClassInvalidResponse || prov.calls != 1 {
		t.Errorf("class=%s calls=%d, want invalid_response/1", terr.Class, prov.calls)
	}
}

func TestInvoker_ExhaustsRetries(t *testing.T) {
	iv := NewInvoker(fastRetry, nil, nil, nil)
	prov := &fakeProvider{name: "openai", fn: func(ctx context.Context, call int) (*providers.ChatResponse, error) {
		return nil, &statusErr{status: 503}
	}}

	_, err := iv.Invoke(context.Background(), prov, invokeTarget, &providers.ChatRequest{Model: "gpt-4o"})
	var terr *TargetError
	if !errors.As(err, &terr) {
		t.Fatalf("error is %T, want *TargetError", err)
	}
	if terr.Attempts != 3 {
		t.Errorf("attempts = %d, want 3 (1 + MaxRetries)", terr.Attempts)
	}
	if terr.Class != ClassTransientNetwork {
		t.Errorf("class = %s, want transient_network", terr.Class)
	}
}

func TestInvoker_AttemptTimeout(t *testing.T) {
	cfg := fastRetry
	cfg.Timeout = 10 * time.Millisecond
	iv := NewInvoker(cfg, nil, nil, nil)
	prov := &fakeProvider{name: "openai", fn: func(ctx context.Context, call int) (*providers.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	_, err := iv.Invoke(context.Background(), prov, invokeTarget, &providers.ChatRequest{Model: "gpt-4o"})
	var terr *TargetError
	if !errors.As(err, &terr) {
		t.Fatalf("error is %T, want *TargetError", err)
	}
	if terr.Class != ClassTimeout {
		t.Errorf("class = %s, want timeout", terr.Class)
	}
	if prov.calls != 1 {
		t.Errorf("calls = %d, want 1 (timeouts must not be retried in place)", prov.calls)
	}
}

func TestInvoker_BackoffAbortsOnCancel(t *testing.T) {
	cfg := fastRetry
	cfg.RetryDelay = 5 * time.Second // long enough that only cancellation ends the wait
	cfg.MaxRetryDelay = 10 * time.Second
	iv := NewInvoker(cfg, nil, nil, nil)
	prov := &fakeProvider{name: "openai", fn: func(ctx context.Context, call int) (*providers.ChatResponse, error) {
		return nil, &statusErr{status: 503}
	}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := iv.Invoke(ctx, prov, invokeTarget, &providers.ChatRequest{Model: "gpt-4o"})
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation should end the backoff sleep promptly")
	}
	if prov.calls != 1 {
		t.Errorf("calls = %d, want 1", prov.calls)
	}
}

func TestInvoker_StreamingKeepsParentContext(t *testing.T) {
	iv := NewInvoker(fastRetry, nil, nil, nil)
	prov := &fakeProvider{name: "openai", fn: func(ctx context.Context, call int) (*providers.ChatResponse, error) {
		ch := make(chan providers.StreamChunk)
		close(ch)
		return &providers.ChatResponse{Stream: ch}, nil
	}}

	_, err := iv.Invoke(context.Background(), prov, invokeTarget, &providers.ChatRequest{Model: "gpt-4o", Stream: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, hasDeadline := prov.lastCtx.Deadline(); hasDeadline {
		t.Error("streamed call must not run under the attempt deadline")
	}
}

func TestInvoker_Embed(t *testing.T) {
	iv := NewInvoker(fastRetry, nil, nil, nil)
	emb := &fakeEmbedder{name: "openai", fn: func(ctx context.Context, call int, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
		if call == 1 {
			return nil, &statusErr{status: 500}
		}
		return &providers.EmbeddingResponse{
			Model: req.Model,
			Data:  []providers.EmbeddingData{{Index: 0, Embedding: []float32{0.1, 0.2}}},
		}, nil
	}}

	target := RouteTarget{Provider: "openai", Model: "text-embedding-3-small"}
	resp, err := iv.InvokeEmbed(context.Background(), emb, target, &providers.EmbeddingRequest{Model: "text-embedding-3-small", Input: []string{"hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Data) != 1 || emb.calls != 2 {
		t.Errorf("data=%d calls=%d, want 1/2", len(resp.Data), emb.calls)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"deadline", context.DeadlineExceeded, ClassTimeout},
		{"canceled", context.Canceled, ClassTimeout},
		{"unauthorized", &statusErr{401}, ClassAuth},
		{"forbidden", &statusErr{403}, ClassAuth},
		{"request_timeout", &statusErr{408}, ClassTimeout},
		{"rate_limited", &statusErr{429}, ClassProviderRateLimited},
		{"server_error", &statusErr{500}, ClassTransientNetwork},
		{"bad_gateway", &statusErr{502}, ClassTransientNetwork},
		{"bad_request", &statusErr{400}, ClassInvalidResponse},
		{"not_found", &statusErr{404}, ClassInvalidResponse},
		{"wrapped_status", fmt.Errorf("call failed: %w", &statusErr{429}), ClassProviderRateLimited},
		{"truncated_body", fmt.Errorf("decode: %w", io.ErrUnexpectedEOF), ClassTransientNetwork},
		{"bad_json", &json.SyntaxError{Offset: 4}, ClassInvalidResponse},
		{"unknown", errors.New("something odd"), ClassTransientNetwork},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Classify(c.err); got != c.want {
				t.Errorf("Classify(%v) = %s, want %s", c.err, got, c.want)
			}
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	for retry := 0; retry < 6; retry++ {
		full := base << retry
		if full > max {
			full = max
		}
		for i := 0; i < 20; i++ {
			d := backoffDelay(base, max, retry)
			if d < full/2 || d > full {
				t.Fatalf("retry %d: delay %s outside [%s, %s]", retry, d, full/2, full)
			}
		}
	}
}

func TestErrorClassPredicates(t *testing.T) {
	cases := []struct {
		class    ErrorClass
		retry    bool
		fallback bool
	}{
		{ClassTimeout, false, true},
		{ClassProviderRateLimited, true, true},
		{ClassAuth, false, false},
		{ClassTransientNetwork, true, true},
		{ClassInvalidResponse, false, false},
	}
	for _, c := range cases {
		if got := c.class.Retryable(); got != c.retry {
			t.Errorf("%s.Retryable() = %v, want %v", c.class, got, c.retry)
		}
		if got := c.class.FallbackEligible(); got != c.fallback {
			t.Errorf("%s.FallbackEligible() = %v, want %v", c.class, got, c.fallback)
		}
	}
}
