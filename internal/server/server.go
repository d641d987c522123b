// Package server implements the HTTP surface of the gateway: the
// OpenAI-compatible chat completion endpoint, the monitor webhook and
// management endpoints, and health checks, together with request routing
// and server lifecycle management.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/monitor"
	"github.com/modelgate/modelgate/internal/provider"
)

type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"

// Version is the application version, following semantic versioning.
const Version = "0.1.0"

// Server is the gateway's HTTP server. It wires the auth gate, the provider
// registry, and the monitor bridge behind a single mux and owns the server
// lifecycle.
type Server struct {
	server    *http.Server
	config    *config.Config
	validator *auth.Validator
	registry  *provider.Registry
	bridge    *monitor.Bridge
	logger    *zap.Logger
}

// HealthResponse is the response body for the health check endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// New creates the HTTP server and registers all route handlers. The server
// is not started until Start is called.
func New(cfg *config.Config, validator *auth.Validator, registry *provider.Registry, bridge *monitor.Bridge, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		config:    cfg,
		validator: validator,
		registry:  registry,
		bridge:    bridge,
		logger:    logger,
		server: &http.Server{
			Addr:        cfg.ListenAddr,
			Handler:     mux,
			ReadTimeout: cfg.RequestTimeout,
			// Streaming responses outlive the request timeout; the write
			// deadline follows the upstream budget instead.
			WriteTimeout: cfg.UpstreamTimeout,
			IdleTimeout:  cfg.RequestTimeout * 2,
		},
	}

	mux.HandleFunc("/health", s.logRequestMiddleware(s.handleHealth))
	mux.HandleFunc("/v1/chat/completions", s.logRequestMiddleware(s.handleChatCompletions))
	mux.HandleFunc("/v1/webhooks/monitor", s.logRequestMiddleware(s.handleMonitorWebhook))
	mux.HandleFunc("/v1/monitors", s.logRequestMiddleware(s.handleCreateMonitor))
	mux.HandleFunc("/v1/monitor-updates", s.logRequestMiddleware(s.handleMonitorUpdates))

	// Catch-all for unmatched routes so they still show up in the log.
	mux.HandleFunc("/", s.logRequestMiddleware(s.handleNotFound))

	return s
}

// Start starts the HTTP server. It blocks until the server is shut down or
// an unrecoverable error occurs.
func (s *Server) Start() error {
	s.logger.Info("server starting", zap.String("addr", s.config.ListenAddr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete or the context to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the configured mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// handleHealth responds with the server status, current timestamp, and
// application version. Used by load balancers and orchestration probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   Version,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("failed to encode health response", zap.Error(err))
	}
}

// handleNotFound is the catch-all handler for unmatched routes.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("route not found",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr),
	)
	http.NotFound(w, r)
}

// writeError writes an OpenAI-shaped error body with the given status.
func (s *Server) writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
		},
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode error response", zap.Error(err))
	}
}

// getRequestID returns the id the middleware attached, or empty when the
// context carries none. A missing id in the logs points at a request that
// bypassed the middleware; inventing one here would hide that.
func getRequestID(ctx context.Context) string {
	if v := ctx.Value(ctxKeyRequestID); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// logRequestMiddleware logs all incoming requests with timing information
// and attaches a request id to the context.
func (s *Server) logRequestMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		requestID := uuid.New().String()
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		s.logger.Info("request started",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
		)

		next(rw, r.WithContext(ctx))

		s.logger.Info("request completed",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status_code", rw.statusCode),
			zap.Duration("duration", time.Since(startTime)),
		)
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer for streaming support.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// methodNotAllowed rejects the request with a 405 and the allowed method.
func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, "invalid_request_error",
		fmt.Sprintf("method not allowed, use %s", allowed))
}
