// Package api exposes the Wardwatch HTTP API.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-health/wardwatch/internal/domain"
	"github.com/opensource-health/wardwatch/internal/pipeline"
	"github.com/opensource-health/wardwatch/internal/quality"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, runner *pipeline.Runner, qe *quality.Engine, version string) *Server {
	handler := NewHandler(repo, cache, bus, runner, qe, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no session required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (session required)
	router.Route("/", func(r chi.Router) {
		r.Use(SessionMiddleware)

		// Dataset uploads
		r.Post("/datasets/facilities", handler.UploadFacilities)
		r.Post("/datasets/boundaries", handler.UploadBoundaries)
		r.Post("/datasets/population", handler.UploadPopulation)
		r.Post("/datasets/covariates", handler.UploadCovariates)

		// Pipeline stages
		r.Post("/pipeline/resolve", handler.ResolveWards)
		r.Post("/pipeline/tpr", handler.ComputeTPR)
		r.Post("/pipeline/risk", handler.ScoreRisk)
		r.Post("/pipeline/allocate", handler.PlanAllocation)
		r.Post("/pipeline/run", handler.RunPipeline)

		// Stage outputs
		r.Get("/results/resolution", handler.GetResolution)
		r.Get("/results/tpr", handler.ListTPR)
		r.Get("/results/tpr/aggregate", handler.AggregateTPR)
		r.Get("/results/risk", handler.ListRisk)
		r.Get("/results/allocation", handler.GetLatestAllocation)
		r.Get("/results/allocation/{id}", handler.GetAllocation)
		r.Get("/results/stages", handler.ListStages)

		// Quality rule management
		r.Get("/rules", handler.ListRules)
		r.Post("/rules", handler.CreateRule)
		r.Delete("/rules/{id}", handler.DeleteRule)
		r.Post("/rules/reload", handler.ReloadRules)
	})

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
