package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/model-gateway/internal/cache"
	"github.com/nulpointcorp/model-gateway/internal/metrics"
	"github.com/nulpointcorp/model-gateway/internal/providers"
	"github.com/nulpointcorp/model-gateway/internal/ratelimit"
)

// --- helpers -----------------------------------------------------------------

// captureProvider records the last chat request it served.
type captureProvider struct {
	name string
	last *providers.ChatRequest
}

func (p *captureProvider) Name() string { return p.name }

func (p *captureProvider) Complete(_ context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	p.last = req
	return okResponse(), nil
}

func (p *captureProvider) HealthCheck(_ context.Context) error { return nil }

// serveHTTP runs the server's full middleware+router stack on an in-memory
// listener and returns an HTTP client that routes to it.
func serveHTTP(t *testing.T, s *Server) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func newTestServer(t *testing.T, provs map[string]providers.Provider, routes *RouteTable, gopts GatewayOptions, sopts ServerOptions) (*Server, *http.Client) {
	t.Helper()
	g := newTestGateway(t, provs, routes, gopts)
	s := NewServer(g, sopts)
	return s, serveHTTP(t, s)
}

func doPost(t *testing.T, client *http.Client, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://gateway"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func doGet(t *testing.T, client *http.Client, path string) *http.Response {
	t.Helper()
	resp, err := client.Get("http://gateway" + path)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// errEnvelope mirrors the OpenAI-style error body.
type errEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func decodeErr(t *testing.T, body []byte) errEnvelope {
	t.Helper()
	var e errEnvelope
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("error body is not valid JSON: %v: %s", err, body)
	}
	return e
}

var chatBody = []byte(`{"model":"gpt-4","messages":[{"role":"user","content":"hello"}]}`)

// --- chat completions --------------------------------------------------------

func TestServer_ChatCompletionsSuccess(t *testing.T) {
	prov := &countingProvider{name: "openai", fn: func(_ context.Context, _ int32) (*providers.ChatResponse, error) {
		return okResponse(), nil
	}}
	_, client := newTestServer(t,
		map[string]providers.Provider{"openai": prov},
		testRoutes("gpt-4", RouteTarget{Provider: "openai", Model: "gpt-4o"}),
		GatewayOptions{}, ServerOptions{})

	resp := doPost(t, client, "/v1/chat/completions", chatBody)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	var out outboundChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("bad response JSON: %v", err)
	}
	if out.Object != "chat.completion" {
		t.Errorf("object = %q", out.Object)
	}
	if out.Model != "gpt-4o" {
		t.Errorf("model = %q, want provider-native gpt-4o", out.Model)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello" {
		t.Fatalf("choices = %+v", out.Choices)
	}
	if out.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q", out.Choices[0].FinishReason)
	}
	if out.Usage.TotalTokens != 5 {
		t.Errorf("total_tokens = %d, want 5", out.Usage.TotalTokens)
	}

	if resp.Header.Get("X-Cache") != xCacheMISS {
		t.Error("expected X-Cache=MISS")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should be set by middleware")
	}
	if resp.Header.Get("X-Response-Time") == "" {
		t.Error("X-Response-Time should be set by middleware")
	}
}

func TestServer_CompletionsAlias(t *testing.T) {
	prov := &countingProvider{name: "openai", fn: func(_ context.Context, _ int32) (*providers.ChatResponse, error) {
		return okResponse(), nil
	}}
	_, client := newTestServer(t,
		map[string]providers.Provider{"openai": prov},
		testRoutes("gpt-4", RouteTarget{Provider: "openai", Model: "gpt-4o"}),
		GatewayOptions{}, ServerOptions{})

	resp := doPost(t, client, "/v1/completions", chatBody)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if prov.calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", prov.calls.Load())
	}
}

func TestServer_ChatInvalidJSON(t *testing.T) {
	g := newTestGateway(t, nil, NewRouteTable(nil), GatewayOptions{})
	s := NewServer(g, ServerOptions{})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{invalid`))
	s.handleChatCompletions(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d, want 400", ctx.Response.StatusCode())
	}
	e := decodeErr(t, ctx.Response.Body())
	if e.Error.Code != "invalid_request" {
		t.Errorf("code = %q", e.Error.Code)
	}
}

func TestServer_ChatValidationError(t *testing.T) {
	g := newTestGateway(t, nil, NewRouteTable(nil), GatewayOptions{})
	s := NewServer(g, ServerOptions{})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	s.handleChatCompletions(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d, want 400", ctx.Response.StatusCode())
	}
	e := decodeErr(t, ctx.Response.Body())
	if !strings.Contains(e.Error.Message, "model") {
		t.Errorf("message should name the bad field, got %q", e.Error.Message)
	}
}

func TestServer_UnknownModel(t *testing.T) {
	_, client := newTestServer(t, nil, NewRouteTable(nil), GatewayOptions{}, ServerOptions{})

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"nope","messages":[{"role":"user","content":"hi"}]}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", resp.StatusCode, body)
	}
	e := decodeErr(t, body)
	if e.Error.Code != "model_not_found" {
		t.Errorf("code = %q", e.Error.Code)
	}
}

func TestServer_CacheHitHeader(t *testing.T) {
	mc := cache.NewMemoryCache(context.Background(), 0)
	t.Cleanup(mc.Close)

	prov := &countingProvider{name: "openai", fn: func(_ context.Context, _ int32) (*providers.ChatResponse, error) {
		return okResponse(), nil
	}}
	_, client := newTestServer(t,
		map[string]providers.Provider{"openai": prov},
		testRoutes("gpt-4", RouteTarget{Provider: "openai", Model: "gpt-4o"}),
		GatewayOptions{Cache: mc}, ServerOptions{})

	resp1 := doPost(t, client, "/v1/chat/completions", chatBody)
	readBody(t, resp1)
	if resp1.Header.Get("X-Cache") != xCacheMISS {
		t.Error("first request should be a MISS")
	}

	resp2 := doPost(t, client, "/v1/chat/completions", chatBody)
	readBody(t, resp2)
	if resp2.Header.Get("X-Cache") != xCacheHIT {
		t.Error("second request should be a HIT")
	}
	if prov.calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", prov.calls.Load())
	}
}

func TestServer_RateLimited(t *testing.T) {
	lim := ratelimit.NewBucketLimiter(ratelimit.Config{Capacity: 1, RefillRate: 0.001})
	t.Cleanup(lim.Close)

	prov := &countingProvider{name: "openai", fn: func(_ context.Context, _ int32) (*providers.ChatResponse, error) {
		return okResponse(), nil
	}}
	_, client := newTestServer(t,
		map[string]providers.Provider{"openai": prov},
		testRoutes("gpt-4", RouteTarget{Provider: "openai", Model: "gpt-4o"}),
		GatewayOptions{Limiter: lim}, ServerOptions{})

	resp1 := doPost(t, client, "/v1/chat/completions", chatBody)
	readBody(t, resp1)
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", resp1.StatusCode)
	}

	resp2 := doPost(t, client, "/v1/chat/completions", chatBody)
	body := readBody(t, resp2)
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429: %s", resp2.StatusCode, body)
	}
	if resp2.Header.Get("Retry-After") == "" {
		t.Error("429 should carry Retry-After")
	}
	e := decodeErr(t, body)
	if e.Error.Type != "rate_limit_error" {
		t.Errorf("type = %q", e.Error.Type)
	}
	if prov.calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", prov.calls.Load())
	}
}

func TestServer_AuthErrorMapsTo401(t *testing.T) {
	prov := &countingProvider{name: "openai", fn: func(_ context.Context, _ int32) (*providers.ChatResponse, error) {
		return nil, &statusErr{status: 401}
	}}
	_, client := newTestServer(t,
		map[string]providers.Provider{"openai": prov},
		testRoutes("gpt-4", RouteTarget{Provider: "openai", Model: "gpt-4o"}),
		GatewayOptions{}, ServerOptions{})

	resp := doPost(t, client, "/v1/chat/completions", chatBody)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401: %s", resp.StatusCode, body)
	}
	e := decodeErr(t, body)
	if e.Error.Code != "invalid_api_key" {
		t.Errorf("code = %q", e.Error.Code)
	}
}

func TestServer_ExhaustedMapsTo502(t *testing.T) {
	prov := &countingProvider{name: "openai", fn: func(_ context.Context, _ int32) (*providers.ChatResponse, error) {
		return nil, &statusErr{status: 500}
	}}
	_, client := newTestServer(t,
		map[string]providers.Provider{"openai": prov},
		testRoutes("gpt-4", RouteTarget{Provider: "openai", Model: "gpt-4o"}),
		GatewayOptions{}, ServerOptions{})

	resp := doPost(t, client, "/v1/chat/completions", chatBody)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502: %s", resp.StatusCode, body)
	}
	e := decodeErr(t, body)
	if e.Error.Code != "all_providers_exhausted" {
		t.Errorf("code = %q", e.Error.Code)
	}
}

// --- client API key pass-through ---------------------------------------------

func TestServer_ClientAPIKeyForwarded(t *testing.T) {
	prov := &captureProvider{name: "openai"}
	_, client := newTestServer(t,
		map[string]providers.Provider{"openai": prov},
		testRoutes("gpt-4", RouteTarget{Provider: "openai", Model: "gpt-4o"}),
		GatewayOptions{}, ServerOptions{AllowClientAPIKeys: true})

	req, err := http.NewRequest(http.MethodPost, "http://gateway/v1/chat/completions", bytes.NewReader(chatBody))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sk-forward-me")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if prov.last == nil || prov.last.APIKey != "sk-forward-me" {
		t.Fatalf("expected forwarded key, got %+v", prov.last)
	}
}

func TestServer_ClientAPIKeyIgnoredWhenDisabled(t *testing.T) {
	prov := &captureProvider{name: "openai"}
	_, client := newTestServer(t,
		map[string]providers.Provider{"openai": prov},
		testRoutes("gpt-4", RouteTarget{Provider: "openai", Model: "gpt-4o"}),
		GatewayOptions{}, ServerOptions{})

	req, err := http.NewRequest(http.MethodPost, "http://gateway/v1/chat/completions", bytes.NewReader(chatBody))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sk-ignored")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)

	if prov.last == nil || prov.last.APIKey != "" {
		t.Fatalf("expected key to be ignored, got %+v", prov.last)
	}
}

// --- streaming ---------------------------------------------------------------

func TestServer_Streaming(t *testing.T) {
	prov := &countingProvider{name: "openai", fn: func(_ context.Context, _ int32) (*providers.ChatResponse, error) {
		return streamResponse("Hel", "lo"), nil
	}}
	_, client := newTestServer(t,
		map[string]providers.Provider{"openai": prov},
		testRoutes("gpt-4", RouteTarget{Provider: "openai", Model: "gpt-4o"}),
		GatewayOptions{}, ServerOptions{})

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}],"stream":true}`))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("content type = %q", ct)
	}

	var dataLines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		}
	}

	if len(dataLines) < 2 {
		t.Fatalf("data lines = %v", dataLines)
	}
	if dataLines[len(dataLines)-1] != "[DONE]" {
		t.Errorf("last line = %q, want [DONE]", dataLines[len(dataLines)-1])
	}

	var chunk struct {
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(dataLines[0]), &chunk); err != nil {
		t.Fatalf("first chunk is not JSON: %v", err)
	}
	if chunk.Object != "chat.completion.chunk" {
		t.Errorf("object = %q", chunk.Object)
	}
	if chunk.Model != "gpt-4o" {
		t.Errorf("model = %q", chunk.Model)
	}
	if len(chunk.Choices) != 1 || chunk.Choices[0].Delta.Content != "Hel" {
		t.Errorf("first delta = %+v", chunk.Choices)
	}
}

// --- embeddings --------------------------------------------------------------

func TestServer_Embeddings(t *testing.T) {
	ep := &embProvider{name: "mock", fn: func(_ context.Context, _ int32, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
		return identityEmbed(req), nil
	}}
	_, client := newTestServer(t,
		map[string]providers.Provider{"mock": ep},
		testRoutes("embed-small", RouteTarget{Provider: "mock", Model: "embed-v1"}),
		GatewayOptions{}, ServerOptions{})

	resp := doPost(t, client, "/v1/embeddings",
		[]byte(`{"model":"embed-small","input":["alpha","beta"]}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	var out outboundEmbeddingResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("bad response JSON: %v", err)
	}
	if out.Object != "list" {
		t.Errorf("object = %q", out.Object)
	}
	if out.Model != "embed-v1" {
		t.Errorf("model = %q", out.Model)
	}
	if len(out.Data) != 2 {
		t.Fatalf("data len = %d", len(out.Data))
	}
	if out.Data[0].Object != "embedding" || out.Data[0].Index != 0 {
		t.Errorf("data[0] = %+v", out.Data[0])
	}
	// identityEmbed markers: first byte of each input text.
	if out.Data[0].Embedding[0] != float32('a') || out.Data[1].Embedding[0] != float32('b') {
		t.Errorf("embeddings out of order: %+v", out.Data)
	}
	if out.Usage.PromptTokens != 6 {
		t.Errorf("prompt_tokens = %d, want 6", out.Usage.PromptTokens)
	}
}

func TestServer_EmbeddingsStringInput(t *testing.T) {
	ep := &embProvider{name: "mock", fn: func(_ context.Context, _ int32, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
		return identityEmbed(req), nil
	}}
	_, client := newTestServer(t,
		map[string]providers.Provider{"mock": ep},
		testRoutes("embed-small", RouteTarget{Provider: "mock", Model: "embed-v1"}),
		GatewayOptions{}, ServerOptions{})

	resp := doPost(t, client, "/v1/embeddings",
		[]byte(`{"model":"embed-small","input":"solo"}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var out outboundEmbeddingResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Data) != 1 {
		t.Errorf("data len = %d, want 1", len(out.Data))
	}
}

func TestServer_EmbeddingsBadRequest(t *testing.T) {
	g := newTestGateway(t, nil, NewRouteTable(nil), GatewayOptions{})
	s := NewServer(g, ServerOptions{})

	cases := []struct {
		name string
		body string
	}{
		{"missing_model", `{"input":"hi"}`},
		{"numeric_input", `{"model":"embed-small","input":42}`},
		{"empty_array", `{"model":"embed-small","input":[]}`},
		{"missing_input", `{"model":"embed-small"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			ctx.Request.SetBody([]byte(tc.body))
			s.handleEmbeddings(ctx)
			if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
				t.Errorf("status = %d, want 400", ctx.Response.StatusCode())
			}
		})
	}
}

// --- health / readiness / admin ----------------------------------------------

func TestServer_Health(t *testing.T) {
	prov := &countingProvider{name: "openai", fn: func(_ context.Context, _ int32) (*providers.ChatResponse, error) {
		return okResponse(), nil
	}}
	_, client := newTestServer(t,
		map[string]providers.Provider{"openai": prov},
		testRoutes("gpt-4", RouteTarget{Provider: "openai", Model: "gpt-4o"}),
		GatewayOptions{}, ServerOptions{})

	resp := doGet(t, client, "/health")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var snap map[string]any
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("health body is not JSON: %v", err)
	}
	if snap["status"] != "ok" {
		t.Errorf("status = %v", snap["status"])
	}
	if _, ok := snap["targets"]; !ok {
		t.Error("snapshot should carry targets")
	}
}

func TestServer_Models(t *testing.T) {
	routes := NewRouteTable(map[string][]RouteTarget{
		"gpt-4":    {{Provider: "openai", Model: "gpt-4o"}},
		"claude-3": {{Provider: "anthropic", Model: "claude-3-5-sonnet"}},
	})
	_, client := newTestServer(t, nil, routes, GatewayOptions{}, ServerOptions{})

	resp := doGet(t, client, "/v1/models")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var out modelListResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("bad response JSON: %v", err)
	}
	if out.Object != "list" {
		t.Errorf("object = %q", out.Object)
	}
	if len(out.Data) != 2 {
		t.Fatalf("len(data) = %d, want 2", len(out.Data))
	}
	// Listed in sorted order for stable output.
	if out.Data[0].ID != "claude-3" || out.Data[1].ID != "gpt-4" {
		t.Errorf("ids = %q, %q", out.Data[0].ID, out.Data[1].ID)
	}
	if out.Data[0].Object != "model" {
		t.Errorf("data object = %q", out.Data[0].Object)
	}
}

func TestServer_Readiness(t *testing.T) {
	_, client := newTestServer(t, nil, NewRouteTable(nil), GatewayOptions{}, ServerOptions{})

	resp := doGet(t, client, "/readiness")
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestServer_ReadinessUnavailable(t *testing.T) {
	_, client := newTestServer(t, nil, NewRouteTable(nil),
		GatewayOptions{SinkReady: func() bool { return false }}, ServerOptions{})

	resp := doGet(t, client, "/readiness")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503: %s", resp.StatusCode, body)
	}
}

func TestServer_CacheInvalidate(t *testing.T) {
	mc := cache.NewMemoryCache(context.Background(), 0)
	t.Cleanup(mc.Close)

	prov := &countingProvider{name: "openai", fn: func(_ context.Context, _ int32) (*providers.ChatResponse, error) {
		return okResponse(), nil
	}}
	_, client := newTestServer(t,
		map[string]providers.Provider{"openai": prov},
		testRoutes("gpt-4", RouteTarget{Provider: "openai", Model: "gpt-4o"}),
		GatewayOptions{Cache: mc}, ServerOptions{})

	readBody(t, doPost(t, client, "/v1/chat/completions", chatBody))

	resp := doPost(t, client, "/admin/cache/invalidate",
		[]byte(`{"pattern":"generate:gpt-4:*"}`))
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var out invalidateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Invalidated != 1 {
		t.Errorf("invalidated = %d, want 1", out.Invalidated)
	}

	readBody(t, doPost(t, client, "/v1/chat/completions", chatBody))
	if prov.calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2 after invalidation", prov.calls.Load())
	}
}

func TestServer_CacheInvalidateEmptyPattern(t *testing.T) {
	g := newTestGateway(t, nil, NewRouteTable(nil), GatewayOptions{})
	s := NewServer(g, ServerOptions{})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{}`))
	s.handleInvalidateCache(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("status = %d, want 400", ctx.Response.StatusCode())
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	reg := metrics.New()
	prov := &countingProvider{name: "openai", fn: func(_ context.Context, _ int32) (*providers.ChatResponse, error) {
		return okResponse(), nil
	}}
	_, client := newTestServer(t,
		map[string]providers.Provider{"openai": prov},
		testRoutes("gpt-4", RouteTarget{Provider: "openai", Model: "gpt-4o"}),
		GatewayOptions{Metrics: reg}, ServerOptions{MetricsHandler: reg.Handler()})

	readBody(t, doPost(t, client, "/v1/chat/completions", chatBody))

	resp := doGet(t, client, "/metrics")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "# HELP") {
		t.Error("metrics exposition should contain HELP lines")
	}
}

func TestServer_UnknownRoute(t *testing.T) {
	_, client := newTestServer(t, nil, NewRouteTable(nil), GatewayOptions{}, ServerOptions{})

	resp := doGet(t, client, "/nope")
	readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

// --- error mapping -----------------------------------------------------------

func TestWriteError_Taxonomy(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			"validation", &ValidationError{Field: "model", Reason: "required"},
			fasthttp.StatusBadRequest, "invalid_request",
		},
		{
			"unknown_model", &UnknownModelError{Model: "x"},
			fasthttp.StatusNotFound, "model_not_found",
		},
		{
			"rate_limit", &RateLimitError{Tenant: "t1", Provider: "openai", RetryAfter: 1400 * time.Millisecond},
			fasthttp.StatusTooManyRequests, "rate_limit_exceeded",
		},
		{
			"exhausted_timeout", &AllProvidersExhaustedError{Model: "gpt-4", Attempts: []*TargetError{
				{Target: "openai/gpt-4o", Class: ClassTimeout, Attempts: 1, Err: context.DeadlineExceeded},
			}},
			fasthttp.StatusGatewayTimeout, "request_timeout",
		},
		{
			"exhausted_transient", &AllProvidersExhaustedError{Model: "gpt-4", Attempts: []*TargetError{
				{Target: "openai/gpt-4o", Class: ClassTransientNetwork, Attempts: 3, Err: io.ErrUnexpectedEOF},
			}},
			fasthttp.StatusBadGateway, "all_providers_exhausted",
		},
		{
			"exhausted_circuit_open", &AllProvidersExhaustedError{Model: "gpt-4", Attempts: []*TargetError{
				{Target: "openai/gpt-4o", Class: ClassCircuitOpen,
					Err: &CircuitOpenError{Target: "openai/gpt-4o", RetryAfter: 12 * time.Second}},
			}},
			fasthttp.StatusServiceUnavailable, "all_providers_exhausted",
		},
		{
			"auth", &TargetError{Target: "openai/gpt-4o", Class: ClassAuth, Attempts: 1, Err: &statusErr{status: 401}},
			fasthttp.StatusUnauthorized, "invalid_api_key",
		},
		{
			"deadline", context.DeadlineExceeded,
			fasthttp.StatusGatewayTimeout, "request_timeout",
		},
		{
			"generic", io.ErrUnexpectedEOF,
			fasthttp.StatusBadGateway, "provider_error",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			writeError(ctx, tc.err)
			if ctx.Response.StatusCode() != tc.wantStatus {
				t.Errorf("status = %d, want %d", ctx.Response.StatusCode(), tc.wantStatus)
			}
			e := decodeErr(t, ctx.Response.Body())
			if e.Error.Code != tc.wantCode {
				t.Errorf("code = %q, want %q", e.Error.Code, tc.wantCode)
			}
		})
	}
}

func TestWriteError_RetryAfterHints(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeError(ctx, &RateLimitError{Tenant: "t1", Provider: "openai", RetryAfter: 1400 * time.Millisecond})
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "2" {
		t.Errorf("Retry-After = %q, want 2 (rounded up)", got)
	}

	ctx = &fasthttp.RequestCtx{}
	writeError(ctx, &AllProvidersExhaustedError{Model: "gpt-4", Attempts: []*TargetError{
		{Target: "openai/gpt-4o", Class: ClassCircuitOpen,
			Err: &CircuitOpenError{Target: "openai/gpt-4o", RetryAfter: 12 * time.Second}},
	}})
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "12" {
		t.Errorf("Retry-After = %q, want 12", got)
	}
}

// --- request parsing helpers -------------------------------------------------

func TestParseEmbeddingInput(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{"bare_string", `"hello"`, 1, false},
		{"array", `["a","b","c"]`, 3, false},
		{"empty_string", `""`, 0, true},
		{"empty_array", `[]`, 0, true},
		{"number", `42`, 0, true},
		{"object", `{"text":"x"}`, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseEmbeddingInput(json.RawMessage(tc.raw))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != tc.want {
				t.Errorf("len = %d, want %d", len(got), tc.want)
			}
		})
	}

	if _, err := parseEmbeddingInput(nil); err == nil {
		t.Error("missing input should error")
	}
}

func TestParseBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer sk-123", "sk-123"},
		{"bearer sk-123", "sk-123"},
		{"BEARER sk-123", "sk-123"},
		{"Bearer  sk-123 ", "sk-123"},
		{"Basic dXNlcg==", ""},
		{"Bearer", ""},
		{"Bearer ", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := parseBearerToken(tc.header); got != tc.want {
			t.Errorf("parseBearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}
