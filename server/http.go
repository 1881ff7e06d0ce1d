// Package server provides the HTTP API for the PACS cache.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/pacs-cache/cache"
	"github.com/wolfeidau/pacs-cache/expiry"
	"github.com/wolfeidau/pacs-cache/queue"
	"github.com/wolfeidau/pacs-cache/registry"
	"github.com/wolfeidau/pacs-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables bearer token authentication when set. It grants
	// full access.
	AuthToken string

	// ViewerToken grants read-only access: GET and HEAD requests.
	ViewerToken string

	// Logger for the server
	Logger *slog.Logger
}

// Components are the core services the API exposes. Expiry is optional.
type Components struct {
	Queue    *queue.Queue
	Cache    *cache.Store
	Registry *registry.Registry
	Expiry   *expiry.Manager
}

// Server is the HTTP server for the PACS cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	queue     *queue.Queue
	cache     *cache.Store
	registry  *registry.Registry
	expiryMgr *expiry.Manager
}

// New creates a new server over the given components.
func New(cfg Config, c Components) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.ViewerToken != "" && cfg.ViewerToken == cfg.AuthToken {
		return nil, errors.New("server: viewer token must differ from the auth token")
	}
	if c.Queue == nil || c.Cache == nil || c.Registry == nil {
		return nil, errors.New("server: queue, cache and registry are required")
	}

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger.With("component", "server"),
		queue:     c.Queue,
		cache:     c.Cache,
		registry:  c.Registry,
		expiryMgr: c.Expiry,
	}

	s.httpServer = &http.Server{
		Addr:        cfg.Address,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No write timeout: operation event streams stay open until the
		// operation finishes.
		IdleTimeout: 60 * time.Second,
	}

	return s, nil
}

// Handler returns the full handler chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("POST /operations", s.handleSubmit)
	mux.HandleFunc("GET /operations", s.handleListOperations)
	mux.HandleFunc("POST /operations/clear", s.handleClearOperations)
	mux.HandleFunc("GET /operations/{id}", s.handleGetOperation)
	mux.HandleFunc("DELETE /operations/{id}", s.handleCancelOperation)
	mux.HandleFunc("GET /operations/{id}/events", s.handleOperationEvents)

	mux.HandleFunc("GET /cache", s.handleUsage)
	mux.HandleFunc("GET /cache/studies", s.handleListStudies)
	mux.HandleFunc("DELETE /cache/studies/{uid}", s.handleDeleteStudy)
	mux.HandleFunc("POST /cache/compact", s.handleCompact)
	mux.HandleFunc("POST /cache/sweep", s.handleSweep)

	mux.HandleFunc("GET /pacs", s.handleListNodes)
	mux.HandleFunc("POST /pacs/{ae}/test", s.handleTestNode)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set api, endpoint and operation.
		r = telemetry.InjectTags(r)
		telemetry.SetAPI(r, deriveAPI(r.URL.Path))

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		tags := telemetry.GetTags(r)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"api", tags.API,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Role != "" {
			attrs = append(attrs, "role", tags.Role)
		}
		if tags.OperationID != "" {
			attrs = append(attrs, "operation_id", tags.OperationID)
		}

		level := slog.LevelInfo
		if wrapped.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, duration)
	})
}

// Start starts the expiry manager, if any, and serves until Shutdown.
func (s *Server) Start() error {
	if s.expiryMgr != nil {
		s.logger.Info("starting expiry manager")
		if err := s.expiryMgr.Start(context.Background()); err != nil {
			return fmt.Errorf("starting expiry manager: %w", err)
		}
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.expiryMgr != nil {
		s.expiryMgr.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for event streams.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveAPI extracts the API area from the request path.
func deriveAPI(path string) string {
	switch {
	case path == "/health" || path == "/metrics":
		return "internal"
	case strings.HasPrefix(path, "/operations"):
		return "operations"
	case strings.HasPrefix(path, "/cache"):
		return "cache"
	case strings.HasPrefix(path, "/pacs"):
		return "pacs"
	default:
		return "unknown"
	}
}
