package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hearth/internal/auth"
	"github.com/ashita-ai/hearth/internal/model"
	"github.com/ashita-ai/hearth/internal/ratelimit"
)

// Server is the hearth HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): JWTMgr, Broker, MCPServer, PingKernel, Limiter,
// OpenAPISpec, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Builds  Builds
	Focus   Focus
	Recents Recents
	Notices Notices
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	JWTMgr     *auth.JWTManager
	Broker     *Broker
	MCPServer  *mcpserver.MCPServer
	PingKernel KernelPinger
	Limiter    ratelimit.Limiter
	RetryAfter time.Duration
	// OpenAPISpec is served at /openapi.yaml.
	OpenAPISpec []byte
	// Middlewares wrap the whole chain; the first is outermost.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	RecentLimit         int
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := NewHandlers(HandlersDeps{
		Builds:              cfg.Builds,
		Focus:               cfg.Focus,
		Recents:             cfg.Recents,
		Notices:             cfg.Notices,
		Broker:              cfg.Broker,
		PingKernel:          cfg.PingKernel,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		RecentLimit:         cfg.RecentLimit,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	mux := http.NewServeMux()

	// Builds.
	mux.HandleFunc("POST /v1/builds", h.HandleSubmitBuild)
	mux.HandleFunc("GET /v1/builds", h.HandleListBuilds)
	mux.HandleFunc("GET /v1/builds/{issue_id}", h.HandleGetBuild)
	mux.HandleFunc("POST /v1/builds/{issue_id}/{action}", h.HandleBuildAction)
	mux.HandleFunc("DELETE /v1/focus", h.HandleBlur)

	// Refinements.
	mux.HandleFunc("POST /v1/builds/{issue_id}/refinements", h.HandleQueueRefinement)
	mux.HandleFunc("POST /v1/builds/{issue_id}/refinements/{ref_id}/{action}", h.HandleRefinementAction)

	// Recent worlds.
	mux.HandleFunc("GET /v1/recent", h.HandleListRecent)
	mux.HandleFunc("DELETE /v1/recent/{id}", h.HandleDeleteRecent)

	// Notices.
	mux.HandleFunc("GET /v1/notices", h.HandleListNotices)
	mux.HandleFunc("DELETE /v1/notices/{id}", h.HandleDismissNotice)

	// Live updates (long-lived connection).
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health and the API description (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → rate limit → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	if cfg.Limiter != nil {
		reject := func(w http.ResponseWriter, r *http.Request) {
			writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "too many kernel requests, slow down")
		}
		handler = ratelimit.Middleware(cfg.Limiter, cfg.RetryAfter, kernelRequestKey, reject, cfg.Logger)(handler)
	}
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	// Request contexts end when Shutdown begins so SSE streams let go.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	httpServer.RegisterOnShutdown(cancelBase)

	return &Server{
		httpServer: httpServer,
		handler:    handler,
		logger:     cfg.Logger,
	}
}

// kernelRequestKey charges build mutations to the operator, or to the
// client address when the API is open. Reads and the MCP endpoint are exempt.
func kernelRequestKey(r *http.Request) string {
	if r.Method != http.MethodPost || !strings.HasPrefix(r.URL.Path, "/v1/builds") {
		return ""
	}
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		return "operator:" + claims.Operator
	}
	return "ip:" + ratelimit.ClientIP(r)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
