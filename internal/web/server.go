// Package web provides the HTTP surface of the migration service: upload and
// phase endpoints, job status, error-report download and cleanup.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/nvqhuy/xlsmigrate/internal/config"
	"github.com/nvqhuy/xlsmigrate/internal/core"
	"github.com/nvqhuy/xlsmigrate/internal/web/middleware"
)

// Server is the HTTP server for the migration API.
type Server struct {
	service *core.Service
	cfg     *config.Config
	router  *chi.Mux
	server  *http.Server
}

// NewServer builds the router around the orchestrator.
func NewServer(service *core.Service, cfg *config.Config) *Server {
	s := &Server{
		service: service,
		cfg:     cfg,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(chimw.Compress(5))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/migration", func(r chi.Router) {
		r.Get("/definitions", s.handleListDefinitions)
		r.Get("/jobs", s.handleListJobs)

		r.Route("/excel", func(r chi.Router) {
			r.Post("/upload", s.handleUpload)
			r.Post("/upload-async", s.handleUploadAsync)
			r.Post("/ingest-only", s.handleIngestOnly)
		})

		r.Route("/job/{jobID}", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Post("/validate", s.phaseHandler(core.PhaseValidating))
			r.Post("/apply", s.phaseHandler(core.PhaseApplying))
			r.Post("/reconcile", s.phaseHandler(core.PhaseReconciling))
			r.Post("/resume", s.handleResume)
			r.Post("/cancel", s.handleCancel)
			r.Get("/errors/stats", s.handleErrorStats)
			r.Get("/errors/download", s.handleErrorDownload)
			r.Delete("/cleanup", s.handleCleanup)
		})
	})
}

// Start begins listening using the configured timeouts. Blocks until the
// listener stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	return s.server.ListenAndServe()
}

// Shutdown stops admitting new migrations, drains in-flight runs and then
// closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.service.BeginShutdown()

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.Migration.ShutdownDrain)
	defer cancel()
	if err := s.service.WaitForDrain(drainCtx); err != nil {
		slog.Warn("shutdown drain timed out, abandoning in-flight runs",
			"abandoned_runs", s.service.Active())
	}

	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the chi router for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"activeRuns": s.service.Active(),
		"time":       time.Now().UTC().Format(time.RFC3339),
	})
}
