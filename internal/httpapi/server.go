// Package httpapi is the ops surface: health aggregation across the
// wired components and a Prometheus scrape endpoint. It carries no
// message traffic itself.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flarerelay/msgcore/internal/breaker"
	"github.com/flarerelay/msgcore/internal/log"
	"github.com/flarerelay/msgcore/internal/metrics"
	"github.com/flarerelay/msgcore/internal/stream"
)

var logger = log.For("httpapi")

// BreakerReporter exposes the Admission Stage's collaborator circuit
// breaker states.
type BreakerReporter interface {
	BreakerStats() map[string]breaker.Stats
}

// Server is the read-only HTTP server exposing /healthz and /metrics.
type Server struct {
	router  *mux.Router
	server  *http.Server
	bus     stream.EventBus
	breaker BreakerReporter
}

// Config holds server configuration.
type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns production-reasonable timeouts around the given
// listen address.
func DefaultConfig(listenAddr string) Config {
	return Config{
		ListenAddr:   listenAddr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer builds a Server. bus and breakerReporter may be nil. A nil bus
// makes /healthz report an unhealthy "unconfigured" event_bus component
// and answer 503; a nil breakerReporter adds no breaker components.
func NewServer(cfg Config, bus stream.EventBus, breakerReporter BreakerReporter) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		bus:     bus,
		breaker: breakerReporter,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// componentHealth is one dependency's reported health in the aggregate
// /healthz response.
type componentHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

type healthResponse struct {
	Healthy    bool               `json:"healthy"`
	Components []componentHealth  `json:"components"`
	CheckedAt  time.Time          `json:"checked_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Healthy: true, CheckedAt: time.Now()}

	if s.bus != nil {
		status := s.bus.Health()
		resp.Components = append(resp.Components, componentHealth{
			Name:    "event_bus",
			Healthy: status.Healthy,
			Detail:  status.Status,
		})
		resp.Healthy = resp.Healthy && status.Healthy
	} else {
		resp.Components = append(resp.Components, componentHealth{Name: "event_bus", Healthy: false, Detail: "unconfigured"})
	}

	if s.breaker != nil {
		for name, stats := range s.breaker.BreakerStats() {
			healthy := stats.State != breaker.StateOpen
			resp.Components = append(resp.Components, componentHealth{
				Name:    fmt.Sprintf("breaker:%s", name),
				Healthy: healthy,
				Detail:  stats.State.String(),
			})
			resp.Healthy = resp.Healthy && healthy
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !resp.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("encode health response failed")
	}
}

// Start blocks serving until the server is shut down or fails.
func (s *Server) Start() error {
	logger.Info().Str("addr", s.server.Addr).Msg("starting http server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
