package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/harrier/internal/analyst"
	"github.com/opensource-finance/harrier/internal/credit"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/fraud"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// IngestRouter reports which tenants have a consumer for queued
// transactions.
type IngestRouter interface {
	Serves(tenantID string) bool
}

// Dependencies are the collaborators the API serves. Store, Fraud, Credit
// and Coordinator are required; the rest may be nil. Async triage needs
// both Bus and Ingest.
type Dependencies struct {
	Store       domain.EventStore
	Cache       domain.Cache
	Bus         domain.EventBus
	Ingest      IngestRouter
	Fraud       *fraud.Engine
	Credit      *credit.Engine
	Coordinator *analyst.Coordinator
	Scheduler   *analyst.Scheduler
	Metrics     *metrics.Collector
	Version     string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, metricsCfg domain.MetricsConfig, deps Dependencies) *Server {
	handler := NewHandler(deps)
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

	if metricsCfg.Enabled && deps.Metrics != nil {
		path := metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, deps.Metrics.Handler())
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Triage
		r.Post("/triage/fraud", handler.TriageFraud)
		r.Post("/triage/fraud/async", handler.TriageFraudAsync)
		r.Post("/triage/credit", handler.TriageCredit)

		// Rule suggestions and the runtime overlay
		r.Get("/rules/suggestions", handler.Suggestions)
		r.Get("/rules/suggestions/latest", handler.LatestSuggestions)
		r.Get("/rules/runtime", handler.ListRuntimeRules)
		r.Post("/rules/runtime", handler.AcceptRuntimeRule)
		r.Delete("/rules/runtime", handler.ClearRuntimeRules)

		// Fraud events and labels
		r.Get("/fraud/events", handler.ListEvents)
		r.Get("/fraud/events/{id}", handler.GetEvent)
		r.Post("/fraud/events/{id}/label", handler.LabelEvent)

		// Analyst views
		r.Get("/analyst/queue", handler.AnalystQueue)
		r.Get("/analytics/kpis", handler.KPIs)
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
