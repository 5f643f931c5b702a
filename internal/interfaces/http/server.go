// Package http exposes the read side of the engine: candle queries,
// health, and Prometheus metrics, plus the WebSocket upgrade endpoint.
package http

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/churst90/accessible-trader-sub001/internal/config"
)

// Server is the HTTP front of the engine.
type Server struct {
	router  *mux.Router
	server  *http.Server
	config  config.ServerConfig
	metrics *MetricsRegistry

	fetcher CandleFetcher
	checks  map[string]Pinger
	ws      http.Handler
}

// NewServer builds the server and verifies the listen address is free.
// wsHandler may be nil when the WebSocket endpoint is disabled.
func NewServer(cfg config.ServerConfig, fetcher CandleFetcher, metrics *MetricsRegistry, checks map[string]Pinger, wsHandler http.Handler) (*Server, error) {
	addr := cfg.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port %d is busy or unavailable: %w", cfg.Port, err)
	}
	listener.Close()

	s := &Server{
		router:  mux.NewRouter(),
		config:  cfg,
		metrics: metrics,
		fetcher: fetcher,
		checks:  checks,
		ws:      wsHandler,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	s.router.Handle("/metrics", s.metrics.MetricsHandler()).Methods("GET")
	s.router.HandleFunc("/healthz", s.healthHandler).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)
	api.HandleFunc("/candles", s.candlesHandler).Methods("GET")

	if s.ws != nil {
		// The upgrade handler manages its own deadlines after hijack.
		s.router.Handle("/ws", s.ws).Methods("GET")
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NotFound", "no such endpoint")
	})
}

// requestIDMiddleware tags each request with a short ID for log correlation.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

// requestLoggingMiddleware logs every request with its status and duration.
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		duration := time.Since(start)
		requestID, _ := r.Context().Value(requestIDKey{}).(string)

		s.metrics.ObserveRequest(r.URL.Path, fmt.Sprintf("%d", wrapper.statusCode), duration)
		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", duration).
			Str("remote", r.RemoteAddr).
			Msg("Request handled")
	})
}

// jsonContentTypeMiddleware sets JSON content type for API responses.
func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.config.Addr()).Msg("HTTP server starting")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("HTTP server shutting down")
	return s.server.Shutdown(ctx)
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

// Hijack forwards connection hijacking for the WebSocket upgrade.
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}
