package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/amount"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/governance"
	"github.com/opensource-finance/kestrel/internal/params"
	"github.com/opensource-finance/kestrel/internal/resolver"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, catalog *params.Catalog, res *resolver.Resolver, calc *amount.Calculator, formulas *amount.FormulaEngine, gov *governance.Service, version string, bestFitWorkers int) *Server {
	handler := NewHandler(repo, cache, catalog, res, calc, formulas, gov, version, bestFitWorkers)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(IdentityMiddleware)

		// Evaluation
		r.Post("/evaluate/cards/{id}", handler.EvaluateCard)
		r.Post("/evaluate/products/{id}", handler.EvaluateProduct)
		r.Post("/bestfit", handler.BestFit)
		r.Post("/amount/cards/{id}", handler.CalculateAmount)

		// Parameter catalog
		r.Get("/parameters", handler.ListParameters)
		r.Post("/parameters", handler.SaveParameter)
		r.Get("/parameters/{id}", handler.GetParameter)
		r.Delete("/parameters/{id}", handler.DeleteParameter)

		// Cards and products
		r.Get("/cards", handler.ListCards)
		r.Post("/cards", handler.SaveCard)
		r.Get("/cards/{id}", handler.GetCard)
		r.Delete("/cards/{id}", handler.DeleteCard)
		r.Get("/products", handler.ListProducts)
		r.Post("/products", handler.SaveProduct)
		r.Get("/products/{id}", handler.GetProduct)
		r.Put("/products/{id}/cap", handler.SaveProductCap)
		r.Get("/products/{id}/cap", handler.GetProductCap)

		// External integration graph
		r.Get("/nodes", handler.ListNodes)
		r.Post("/nodes", handler.SaveNode)
		r.Get("/nodes/{id}", handler.GetNode)
		r.Post("/node-apis", handler.SaveNodeAPI)
		r.Get("/node-apis", handler.ListNodeAPIs)
		r.Post("/mappings", handler.SaveParameterMap)
		r.Get("/mappings", handler.ListParameterMaps)
		r.Post("/mappings/infer", handler.InferFields)

		// Rule lifecycle
		r.Post("/rules", handler.CreateRule)
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/export", handler.ExportRules)
		r.Post("/rules/import", handler.ImportRules)
		r.Get("/rules/{id}", handler.GetLatestRule)
		r.Get("/rules/{id}/versions", handler.ListRuleVersions)
		r.Get("/rules/{id}/versions/{version}", handler.GetRuleVersion)
		r.Post("/rules/{id}/versions/{version}/submit", handler.SubmitRule)
		r.Post("/rules/{id}/versions/{version}/deactivate", handler.DeactivateRule)

		// Maker-checker governance
		r.Get("/governance/pending", handler.ListPendingApprovals)
		r.Post("/governance/{id}/decide", handler.DecideApproval)

		// Evaluation history
		r.Get("/history", handler.ListHistory)
		r.Get("/history/{id}", handler.GetHistory)
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
