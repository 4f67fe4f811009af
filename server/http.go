// Package server provides the HTTP server for the version gateway.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/net/netutil"

	"github.com/wolfeidau/version-gateway/auth"
	"github.com/wolfeidau/version-gateway/deferred"
	"github.com/wolfeidau/version-gateway/ping"
	"github.com/wolfeidau/version-gateway/registry"
	"github.com/wolfeidau/version-gateway/store"
	"github.com/wolfeidau/version-gateway/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// MaxConns caps concurrent connections. Zero means unlimited.
	MaxConns int

	// Logger for the server
	Logger *slog.Logger
}

// Dependencies are the components the handlers serve from.
type Dependencies struct {
	Resolver   *registry.Resolver
	Recorder   *ping.Recorder
	Aggregator *ping.Aggregator
	Pings      store.PingStore
	Keys       *ping.KeyBuilder
	Verifier   *auth.Verifier

	// Deferred is drained on Shutdown. Optional.
	Deferred *deferred.Group
}

// Server is the HTTP server for the version gateway.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	resolver   *registry.Resolver
	recorder   *ping.Recorder
	aggregator *ping.Aggregator
	pings      store.PingStore
	keys       *ping.KeyBuilder
	verifier   *auth.Verifier
	deferred   *deferred.Group

	// Private handlers shared by the path routes and the query-string routes.
	dashboard http.Handler
	keyList   http.Handler
	key       http.Handler
	epoch     http.Handler
}

// New creates a new server with the given configuration.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	switch {
	case deps.Resolver == nil:
		return nil, errors.New("server: resolver is required")
	case deps.Recorder == nil:
		return nil, errors.New("server: ping recorder is required")
	case deps.Aggregator == nil:
		return nil, errors.New("server: aggregator is required")
	case deps.Pings == nil:
		return nil, errors.New("server: ping store is required")
	case deps.Keys == nil:
		return nil, errors.New("server: key builder is required")
	case deps.Verifier == nil:
		return nil, errors.New("server: verifier is required")
	}

	s := &Server{
		config:     cfg,
		logger:     cfg.Logger,
		resolver:   deps.Resolver,
		recorder:   deps.Recorder,
		aggregator: deps.Aggregator,
		pings:      deps.Pings,
		keys:       deps.Keys,
		verifier:   deps.Verifier,
		deferred:   deps.Deferred,
	}

	s.dashboard = gzhttp.GzipHandler(s.adminOnly(http.HandlerFunc(s.handleDashboard)))
	s.keyList = gzhttp.GzipHandler(s.adminOnly(http.HandlerFunc(s.handleKeys)))
	s.key = s.adminOnly(http.HandlerFunc(s.handleKey))
	s.epoch = s.adminOnly(http.HandlerFunc(s.handleEpoch))

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.loggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Public version lookup
	mux.HandleFunc("GET /version", s.handleVersion)

	// Admin routes, Basic auth
	mux.Handle("GET /dashboard", s.dashboard)
	mux.Handle("GET /keys", s.keyList)
	mux.Handle("GET /key", s.key)
	mux.Handle("GET /epoch", s.epoch)

	// Query-string routing on the root, as older clients call it.
	mux.HandleFunc("GET /{$}", s.handleRoot)

	mux.HandleFunc("/", s.handleBadRequest)
}

// Handler returns the server's root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Package != "" {
			attrs = append(attrs, "package", tags.Package)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if tags.AuthOutcome != "" {
			attrs = append(attrs, "auth", tags.AuthOutcome)
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, capped at MaxConns when set.
func (s *Server) Serve(ln net.Listener) error {
	if s.config.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConns)
	}

	s.logger.Info("starting server",
		"address", ln.Addr().String(),
		"max_conns", s.config.MaxConns,
		"epoch", s.keys.Epoch().UnixMilli(),
		"packages", s.resolver.Packages(),
	)
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, waits for in-flight ones, then drains
// the deferred writes they started.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)

	if s.deferred != nil {
		if derr := s.deferred.Close(ctx); derr != nil {
			s.logger.Warn("deferred writes did not finish", "error", derr)
			err = errors.Join(err, fmt.Errorf("draining deferred writes: %w", derr))
		}
	}

	return err
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

// Flush implements http.Flusher for streaming responses.
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
