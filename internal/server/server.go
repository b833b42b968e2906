// Package server provides the HTTP status and operations API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/rainshield/rainshield/internal/database"
	"github.com/rainshield/rainshield/internal/events"
	"github.com/rainshield/rainshield/internal/monitor"
	"github.com/rainshield/rainshield/internal/registry"
	"github.com/rainshield/rainshield/internal/reliability"
	"github.com/rainshield/rainshield/internal/submitter"
)

// StreamStatus reports the chain event stream connection state.
type StreamStatus interface {
	Connected() bool
}

// Config holds server configuration
type Config struct {
	Log           zerolog.Logger
	Port          int
	DevMode       bool
	SubmissionsDB *database.DB
	CacheDB       *database.DB
	Registry      *registry.Registry
	Monitor       *monitor.Monitor
	Submissions   *submitter.Repository
	EventBus      *events.Bus
	Backups       *reliability.BackupService // nil when backups are disabled
	Stream        StreamStatus               // nil when the websocket stream is off
}

// Server represents the HTTP server
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	cfg      Config
	handlers *Handlers
	started  time.Time
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		log:     cfg.Log.With().Str("component", "server").Logger(),
		cfg:     cfg,
		started: time.Now(),
	}
	s.handlers = NewHandlers(cfg, s.started)

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

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

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handlers.HandleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handlers.HandleStatus)
		r.Get("/policies", s.handlers.HandlePolicies)
		r.Get("/policies/{policyID}", s.handlers.HandlePolicy)
		r.Get("/submissions", s.handlers.HandleSubmissions)
		r.Get("/submissions/failed", s.handlers.HandleFailedSubmissions)
		r.Get("/exclusions", s.handlers.HandleExclusions)
		r.Get("/events", s.handlers.HandleEvents)
		r.Get("/backups", s.handlers.HandleBackups)
		r.Post("/reconcile", s.handlers.HandleReconcile)
		r.Post("/pass", s.handlers.HandleRunPass)
		r.Post("/exclusions/{policyID}/clear", s.handlers.HandleClearExclusion)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

// Router exposes the router for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving. Blocks until the listener fails or closes.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
