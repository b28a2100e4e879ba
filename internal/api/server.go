// Package api exposes the rule engine over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/clearpath-legal/kestrel/internal/diff"
	"github.com/clearpath-legal/kestrel/internal/domain"
	"github.com/clearpath-legal/kestrel/internal/lifecycle"
	"github.com/clearpath-legal/kestrel/internal/worker"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, manager *lifecycle.Manager, comparator *diff.Service, evaluator *worker.Worker, version string) *Server {
	handler := NewHandler(repo, cache, bus, manager, comparator, evaluator, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Visa type catalog
	router.Post("/visa-types", handler.CreateVisaType)
	router.Get("/visa-types", handler.ListVisaTypes)
	router.Get("/visa-types/{id}", handler.GetVisaType)

	// Version lifecycle
	router.Post("/visa-types/{id}/versions", handler.CreateVersion)
	router.Get("/visa-types/{id}/versions", handler.ListVersions)
	router.Post("/visa-types/{id}/rollback", handler.Rollback)

	// Timeline analytics
	router.Get("/visa-types/{id}/conflicts", handler.DetectConflicts)
	router.Get("/visa-types/{id}/coverage", handler.AnalyzeCoverage)

	// Individual versions. The compare route must register before {id}.
	router.Get("/versions/compare", handler.CompareVersions)
	router.Get("/versions/{id}", handler.GetVersion)
	router.Patch("/versions/{id}", handler.UpdateVersion)
	router.Delete("/versions/{id}", handler.DeleteVersion)
	router.Post("/versions/{id}/publish", handler.PublishVersion)
	router.Post("/versions/{id}/unpublish", handler.UnpublishVersion)

	// Rule authoring support
	router.Post("/requirements/score", handler.ScoreRequirement)

	// Case evaluation
	router.Post("/evaluate", handler.Evaluate)
	router.Get("/evaluations/{id}", handler.GetEvaluation)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
