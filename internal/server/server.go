// Package server exposes the ops HTTP surface: health and status,
// recovery controls, the analytics dashboard, manual triggers, the
// prometheus scrape endpoint and a websocket event stream.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/avramidis/strategos/internal/coordinator"
	"github.com/avramidis/strategos/internal/database"
	"github.com/avramidis/strategos/internal/events"
	"github.com/avramidis/strategos/internal/execution"
	"github.com/avramidis/strategos/internal/integrator"
	"github.com/avramidis/strategos/internal/metrics"
	"github.com/avramidis/strategos/internal/persistence"
	"github.com/avramidis/strategos/internal/recovery"
	"github.com/avramidis/strategos/internal/risk"
	"github.com/avramidis/strategos/internal/scheduler"
)

const (
	apiTimeout      = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Config wires the server to the subsystems it reports on. Every
// dependency except the port may be nil; handlers answer 503 for
// subsystems that are not wired.
type Config struct {
	Port    int
	DevMode bool

	Coordinator *coordinator.Coordinator
	Recovery    *recovery.Engine
	Bus         *events.Bus
	Pipeline    *integrator.Pipeline
	Executor    *execution.Engine
	Gate        *risk.Gate
	Store       *persistence.Store
	Scheduler   *scheduler.Scheduler
	Databases   map[string]*database.DB
	Prom        *metrics.Metrics

	Log zerolog.Logger
}

// Server is the ops HTTP server. It implements coordinator.Component:
// Initialize binds the port, Start serves requests, Stop drains them.
type Server struct {
	cfg    Config
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger

	stream *StreamHandler

	jobsMu sync.RWMutex
	jobs   map[string]scheduler.Job

	listener net.Listener
	started  atomic.Bool
	requests atomic.Uint64
	serveErr atomic.Value
}

// New creates the server with its routes configured. The port is not
// bound until Initialize.
func New(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		jobs:   make(map[string]scheduler.Job),
	}
	s.stream = NewStreamHandler(cfg.Bus, s.log)

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// SetJobs registers jobs for manual triggering via the ops API,
// keyed by their Name.
func (s *Server) SetJobs(jobs ...scheduler.Job) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	for _, job := range jobs {
		s.jobs[job.Name()] = job
	}
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/metrics", s.handleMetrics)

	s.router.Route("/api", func(r chi.Router) {
		// The stream outlives the request timeout, so it sits outside
		// the timeout group.
		r.Get("/events/stream", s.stream.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(apiTimeout))

			r.Get("/health", s.handleHealth)

			r.Route("/system", func(r chi.Router) {
				r.Get("/status", s.handleSystemStatus)
				r.Get("/jobs", s.handleJobs)
				r.Post("/jobs/{name}", s.handleTriggerJob)
				r.Get("/database/stats", s.handleDatabaseStats)
				r.Post("/emergency-stop", s.handleEmergencyStop)
			})

			r.Route("/recovery", func(r chi.Router) {
				r.Get("/history", s.handleRecoveryHistory)
				r.Get("/status", s.handleRecoveryStatus)
				r.Post("/reset/{action}", s.handleRecoveryReset)
			})

			r.Get("/analytics/dashboard", s.handleDashboard)
			r.Get("/risk/limits", s.handleRiskLimits)
			r.Post("/persistence/backup", s.handleBackup)
		})
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.requests.Add(1)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// Initialize binds the listen port. Serving starts in Start.
func (s *Server) Initialize() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to bind port %d: %w", s.cfg.Port, err)
	}
	s.listener = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("Listen port bound")
	return nil
}

// Start begins serving on the bound listener
func (s *Server) Start() error {
	if s.listener == nil {
		return fmt.Errorf("server is not initialized")
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.serveErr.Store(err)
			s.log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	s.log.Info().Int("port", s.cfg.Port).Msg("HTTP server started")
	return nil
}

// Stop drains in-flight requests, closes event streams and shuts the
// server down. Falls back to a hard close when draining exceeds the
// shutdown timeout.
func (s *Server) Stop() error {
	if !s.started.CompareAndSwap(true, false) {
		return nil
	}

	s.stream.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Graceful shutdown timed out, forcing close")
		return s.server.Close()
	}
	s.log.Info().Msg("HTTP server stopped")
	return nil
}

// HealthCheck reports serve state and request counters
func (s *Server) HealthCheck() coordinator.ComponentHealth {
	health := coordinator.ComponentHealth{
		Name:          "server",
		State:         coordinator.ComponentRunning,
		Healthy:       true,
		LastHeartbeat: time.Now().UTC(),
		Metrics: map[string]interface{}{
			"requests":       s.requests.Load(),
			"active_streams": s.stream.Active(),
			"port":           s.cfg.Port,
		},
	}

	if !s.started.Load() {
		health.State = coordinator.ComponentOffline
		health.Healthy = false
		health.Message = "server not started"
		return health
	}
	if err, ok := s.serveErr.Load().(error); ok && err != nil {
		health.State = coordinator.ComponentError
		health.Healthy = false
		health.Message = err.Error()
	}
	return health
}

// Addr returns the bound listen address, or empty before Initialize.
// Lets tests bind port 0 and discover the port.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
