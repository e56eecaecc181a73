// Package http exposes the query and control API: ledger reads, slot
// control, verification, Prometheus metrics and the live execution feed.
package http

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/innkeep/eagle-eye/internal/net/ratelimit"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// requestIDFromContext returns the request id set by the middleware, or
// "unknown" outside the middleware chain.
func requestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

// DefaultServerConfig returns the local-only defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           "127.0.0.1",
		Port:           8080,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 5 * time.Second,
		RateLimitRPS:   1,
		RateLimitBurst: 5,
	}
}

// Server is the HTTP server for the query and control API.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *Handlers
	hub      *Hub
	metrics  *Metrics
	limiter  *ratelimit.Limiter
	config   ServerConfig
}

// NewServer creates an HTTP server around the given handler set. The
// configured port is probed up front so a busy port fails fast instead of
// at Start.
func NewServer(config ServerConfig, handlers *Handlers, hub *Hub, metrics *Metrics) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port %d is busy or unavailable: %w", config.Port, err)
	}
	listener.Close()

	server := &Server{
		router:   mux.NewRouter(),
		handlers: handlers,
		hub:      hub,
		metrics:  metrics,
		limiter:  ratelimit.NewLimiter(config.RateLimitRPS, config.RateLimitBurst),
		config:   config,
	}
	server.setupRoutes()

	server.server = &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return server, nil
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	// Middleware for all routes. Request id comes first so every later
	// layer sees it.
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.timeoutMiddleware)
	s.router.Use(s.corsMiddleware)

	// API routes (JSON only)
	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handlers.Health).Methods("GET")
	api.HandleFunc("/entries/{id}", s.handlers.EntryByID).Methods("GET")
	api.HandleFunc("/entries", s.handlers.EntriesByDate).Methods("GET")
	api.HandleFunc("/slots/{slotID}/entries", s.handlers.EntriesBySlot).Methods("GET")
	api.HandleFunc("/slots", s.handlers.SlotsByDate).Methods("GET")
	api.HandleFunc("/verify/latest", s.handlers.LatestReport).Methods("GET")
	api.HandleFunc("/stats", s.handlers.Stats).Methods("GET")

	// Mutating endpoints sit behind the per-caller limiter.
	api.Handle("/slots/{number:[0-9]+}/trigger",
		s.rateLimited(http.HandlerFunc(s.handlers.TriggerSlot))).Methods("POST")
	api.Handle("/slots/{slotID}/cancel",
		s.rateLimited(http.HandlerFunc(s.handlers.CancelSlot))).Methods("POST")
	api.Handle("/verify",
		s.rateLimited(http.HandlerFunc(s.handlers.Verify))).Methods("POST")

	// Non-JSON surfaces
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/ws/feed", s.hub.ServeFeed).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
}

// requestIDMiddleware adds a unique request id to each request.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLoggingMiddleware logs all requests with their outcome.
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		log.Info().
			Str("request_id", requestIDFromContext(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("http request")
	})
}

// timeoutMiddleware enforces the per-request timeout.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// corsMiddleware allows local dashboard origins only.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// jsonContentTypeMiddleware sets the JSON content type for API responses.
func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// rateLimited guards a mutating endpoint with the per-caller limiter.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(callerKey(r)) {
			s.handlers.writeError(w, r, http.StatusTooManyRequests, "rate_limited",
				"Too many mutating requests, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerKey identifies a caller for rate limiting: the API key header when
// present, the remote host otherwise.
func callerKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	log.Info().
		Str("addr", s.Address()).
		Msg("http server starting")

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server and the feed hub.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("http server shutting down")
	s.hub.Close()
	return s.server.Shutdown(ctx)
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Router exposes the route table for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

// responseWrapper captures HTTP status codes for logging.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade pass through the logging wrapper.
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}
