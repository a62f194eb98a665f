package gateway

import (
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// ServerOptions configures the HTTP front of a Gateway.
type ServerOptions struct {
	// CORSOrigins lists allowed origins for browser clients. Empty (or a
	// single "*") allows any origin.
	CORSOrigins []string

	// AllowClientAPIKeys forwards the caller's Authorization bearer token to
	// the upstream provider instead of the configured key. Deployments that
	// enable this should also enable tenant-scoped cache keys.
	AllowClientAPIKeys bool

	// DefaultTenant is assigned to requests that carry no X-Tenant-ID header.
	DefaultTenant string

	// MetricsHandler, when set, is registered at GET /metrics.
	MetricsHandler fasthttp.RequestHandler

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP front of a Gateway: OpenAI-compatible inference routes
// plus health, readiness and admin endpoints.
type Server struct {
	gw   *Gateway
	opts ServerOptions
	srv  *fasthttp.Server
}

// NewServer builds a Server around gw. Zero-value options get sensible
// defaults (tenant "default", 60s read/write timeouts).
func NewServer(gw *Gateway, opts ServerOptions) *Server {
	if opts.DefaultTenant == "" {
		opts.DefaultTenant = "default"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 60 * time.Second
	}

	s := &Server{gw: gw, opts: opts}
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

// Handler returns the routed, middleware-wrapped request handler.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", s.handleChatCompletions)
	r.POST("/v1/completions", s.handleChatCompletions) // legacy alias, same pipeline
	r.POST("/v1/embeddings", s.handleEmbeddings)
	r.GET("/v1/models", s.handleModels)
	r.POST("/admin/cache/invalidate", s.handleInvalidateCache)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)

	if s.opts.MetricsHandler != nil {
		r.GET("/metrics", s.opts.MetricsHandler)
	}

	return applyMiddleware(r.Handler,
		recovery(s.gw.log),
		requestID,
		tenancy(s.opts.DefaultTenant),
		timing,
		corsHandler(s.opts.CORSOrigins),
		securityHeaders,
	)
}

// ListenAndServe starts the server on addr (e.g. ":8080") and blocks until
// Shutdown is called or the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	return s.srv.ListenAndServe(addr)
}

// Serve accepts connections from ln and blocks. Tests use this with an
// in-memory listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown gracefully shuts the server down, waiting for in-flight requests
// to finish.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}
