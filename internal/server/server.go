package server

// Package server exposes the safety engine over REST and streams live events
// (transitions, proposals, reviews, alerts) over a WebSocket.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dstep24/rileyrecruiter-sub005/internal/db"
	"github.com/dstep24/rileyrecruiter-sub005/internal/metrics"
	"github.com/dstep24/rileyrecruiter-sub005/internal/middleware"
	"github.com/dstep24/rileyrecruiter-sub005/internal/persistence"
	"github.com/dstep24/rileyrecruiter-sub005/internal/safety"
)

// Config holds listener settings.
type Config struct {
	Host            string
	Port            int
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// RateLimitPerMinute throttles API requests per client; 0 disables it.
	RateLimitPerMinute float64
	RateLimitBurst     int
}

// FailureLister lists records the persistence writer gave up on.
type FailureLister interface {
	Failures() []persistence.StorageWriteFailure
	Pending() int
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the autonomy service HTTP server
type Server struct {
	config Config
	logger *zap.Logger

	// Core components
	engine   *safety.Engine
	hub      *Hub
	store    Pinger
	audit    db.AuditStore
	failures FailureLister

	limiter    *middleware.RateLimiter
	router     *mux.Router
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the application logger.
func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

// WithStore enables the readiness check and the audit query endpoint.
func WithStore(store db.Store) Option {
	return func(s *Server) {
		s.store = store
		s.audit = store
	}
}

// WithFailureLister exposes the persistence dead-letter list.
func WithFailureLister(f FailureLister) Option { return func(s *Server) { s.failures = f } }

// NewServer creates a server around engine. hub may be shared with other
// publishers such as the alert notifier.
func NewServer(cfg Config, engine *safety.Engine, hub *Hub, opts ...Option) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("safety engine cannot be nil")
	}
	if hub == nil {
		return nil, fmt.Errorf("event hub cannot be nil")
	}
	s := &Server{
		config: cfg,
		logger: zap.NewNop(),
		engine: engine,
		hub:    hub,
	}
	for _, opt := range opts {
		opt(s)
	}
	limiter, err := middleware.NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}
	s.limiter = limiter
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Correlation, s.instrument)

	// Health and metrics
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.limiter.Middleware)

	// Autonomy
	api.HandleFunc("/autonomy/keys", s.handleListKeys).Methods(http.MethodGet)
	api.HandleFunc("/autonomy/approval", s.handleShouldRequireApproval).Methods(http.MethodPost)
	api.HandleFunc("/autonomy/{tenant}/{action}", s.handleGetStatus).Methods(http.MethodGet)
	api.HandleFunc("/autonomy/{tenant}/{action}/level", s.handleGetLevel).Methods(http.MethodGet)
	api.HandleFunc("/autonomy/{tenant}/{action}/level", s.handleSetLevel).Methods(http.MethodPut)
	api.HandleFunc("/autonomy/{tenant}/{action}/metrics", s.handleGetMetrics).Methods(http.MethodGet)
	api.HandleFunc("/autonomy/{tenant}/{action}/transitions", s.handleListTransitions).Methods(http.MethodGet)
	api.HandleFunc("/autonomy/{tenant}/{action}/outcomes", s.handleRecordOutcome).Methods(http.MethodPost)
	api.HandleFunc("/autonomy/{tenant}/{action}/resume", s.handleResumeKey).Methods(http.MethodPost)

	// Shadow mode
	api.HandleFunc("/shadow/sessions", s.handleStartSession).Methods(http.MethodPost)
	api.HandleFunc("/shadow/sessions", s.handleListActiveSessions).Methods(http.MethodGet)
	api.HandleFunc("/shadow/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/shadow/sessions/{id}/interactions", s.handleCaptureInteraction).Methods(http.MethodPost)
	api.HandleFunc("/shadow/sessions/{id}/end", s.handleEndSession).Methods(http.MethodPost)
	api.HandleFunc("/shadow/sessions/{id}/abort", s.handleAbortSession).Methods(http.MethodPost)
	api.HandleFunc("/shadow/sessions/{id}/stats", s.handleGetStats).Methods(http.MethodGet)
	api.HandleFunc("/shadow/interactions/{id}/alternative", s.handleAttachAlternative).Methods(http.MethodPost)

	// Learned patterns
	api.HandleFunc("/learning/patterns", s.handleListPatterns).Methods(http.MethodGet)
	api.HandleFunc("/learning/patterns/{id}", s.handleGetPattern).Methods(http.MethodGet)
	api.HandleFunc("/learning/patterns/{id}/review", s.handleReviewPattern).Methods(http.MethodPost)

	// Operations
	api.HandleFunc("/persistence/failures", s.handlePersistenceFailures).Methods(http.MethodGet)
	api.HandleFunc("/audit/events", s.handleAuditEvents).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.hub.Close()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error shutting down HTTP server: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer, which the
// WebSocket upgrade needs.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		// The event stream hijacks the connection and is long lived.
		if route == "/api/v1/events" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequestDuration.
			WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

// handleHealth handles liveness requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady checks storage connectivity
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"reason": "database_unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	resp := map[string]any{"status": "ready"}
	if s.failures != nil {
		resp["persistence_pending"] = s.failures.Pending()
		resp["persistence_failures"] = len(s.failures.Failures())
	}
	respondJSON(w, http.StatusOK, resp)
}
