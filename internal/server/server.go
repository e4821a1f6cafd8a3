package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shinsa/internal/auth"
	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/ratelimit"
	"github.com/ashita-ai/shinsa/internal/search"
)

// Server is the Shinsa HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Index, MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	DB     Store
	JWTMgr *auth.JWTManager
	Engine Engine
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	Index     search.CaseFinder
	MCPServer *mcpserver.MCPServer

	// OpenAPISpec is served at GET /openapi.yaml when set.
	OpenAPISpec []byte

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Engine:              cfg.Engine,
		Index:               cfg.Index,
		Logger:              logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Evaluations embed and search, so they get their own bucket.
	evaluateRL := ratelimit.Middleware(cfg.Limiter, agentKeyFunc("evaluate"), reqIDFunc, logger)
	writeRL := ratelimit.Middleware(cfg.Limiter, agentKeyFunc("write"), reqIDFunc, logger)
	readRL := ratelimit.Middleware(cfg.Limiter, agentKeyFunc("read"), reqIDFunc, logger)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, logger)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Administration (admin-only, exempt from rate limits).
	adminOnly := requireRole(model.RoleAdmin)
	mux.Handle("POST /v1/agents", adminOnly(http.HandlerFunc(h.HandleCreateAgent)))
	mux.Handle("POST /v1/rules", adminOnly(http.HandlerFunc(h.HandleCreateRule)))
	mux.Handle("PATCH /v1/rules/{rule_id}", adminOnly(http.HandlerFunc(h.HandleUpdateRule)))
	mux.Handle("DELETE /v1/rules/{rule_id}", adminOnly(http.HandlerFunc(h.HandleDeleteRule)))
	mux.Handle("GET /v1/rules/{rule_id}/history", adminOnly(http.HandlerFunc(h.HandleRuleHistory)))

	// Claim decisions (agent+, rate limited).
	writeRole := requireRole(model.RoleAgent)
	mux.Handle("POST /v1/rules/evaluate", evaluateRL(writeRole(http.HandlerFunc(h.HandleEvaluate))))
	mux.Handle("POST /v1/rules/validate", writeRL(writeRole(http.HandlerFunc(h.HandleValidateRule))))
	mux.Handle("PUT /v1/claims/{claim_id}", writeRL(writeRole(http.HandlerFunc(h.HandleIngestClaim))))
	mux.Handle("POST /v1/outcomes", writeRL(writeRole(http.HandlerFunc(h.HandleRecordOutcome))))
	mux.Handle("POST /v1/outcomes/{outcome_id}/compensate", writeRL(writeRole(http.HandlerFunc(h.HandleCompensateOutcome))))

	// Read endpoints (reader+, rate limited).
	readRole := requireRole(model.RoleReader)
	mux.Handle("GET /v1/analytics", readRL(readRole(http.HandlerFunc(h.HandleAnalytics))))
	mux.Handle("GET /v1/explain/{recommendation_id}", readRL(readRole(http.HandlerFunc(h.HandleExplain))))
	mux.Handle("GET /v1/rules", readRL(readRole(http.HandlerFunc(h.HandleListRules))))
	mux.Handle("GET /v1/rules/{rule_id}", readRL(readRole(http.HandlerFunc(h.HandleGetRule))))

	// MCP StreamableHTTP transport (auth required, reader+; tools that
	// write check for agent+ themselves).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", readRole(mcpHTTP))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → route → handler.
	var handler http.Handler = mux
	handler = routeMiddleware(handler)
	handler = recoveryMiddleware(logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   logger,
	}
}

// agentKeyFunc buckets requests per caller within a route class. Admins
// are exempt and get an empty key.
func agentKeyFunc(class string) ratelimit.KeyFunc {
	return func(r *http.Request) string {
		claims := ClaimsFromContext(r.Context())
		if claims == nil || claims.Allows(model.RoleAdmin) {
			return ""
		}
		return ratelimit.Key(class, claims.OrgID, claims.AgentID)
	}
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
