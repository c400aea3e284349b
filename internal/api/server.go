package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"boundless-bastion/internal/config"
	"boundless-bastion/internal/monitor"
	"boundless-bastion/internal/query"
)

// HealthChecker reports database connectivity.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Deps are the components the HTTP API serves.
type Deps struct {
	Commands   Commands
	Nodes      Nodes
	Dispatcher Dispatcher
	Query      *query.Facade
	Ingester   Ingester
	Metrics    *monitor.Metrics
	// DB is nil when persistence is disabled.
	DB HealthChecker
}

// Server is the main HTTP server for the control plane API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	deps       Deps
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	var analyzer *monitor.ScriptAnalyzer
	if cfg.Security.ScriptAnalysis {
		analyzer = monitor.NewScriptAnalyzer()
	}
	handlers := NewHandlers(deps.Commands, deps.Nodes, deps.Dispatcher, deps.Query, deps.Ingester,
		deps.Metrics, analyzer, DispatchConfig{Wait: cfg.Executor.Wait, MaxWait: cfg.Executor.MaxWait})

	s := &Server{
		handlers:  handlers,
		deps:      deps,
		cfg:       cfg,
		startTime: time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// routes registers the resource API on mux.
func (s *Server) routes(mux *http.ServeMux) {
	h := s.handlers

	mux.HandleFunc("GET /commands", h.HandleListCommands)
	mux.HandleFunc("POST /commands", h.HandleCreateCommand)
	mux.HandleFunc("GET /commands/{id}", h.HandleGetCommand)
	mux.HandleFunc("PUT /commands/{id}", h.HandleReplaceCommand)
	mux.HandleFunc("PATCH /commands/{id}", h.HandlePatchCommand)
	mux.HandleFunc("DELETE /commands/{id}", h.HandleDeleteCommand)

	mux.HandleFunc("GET /nodes", h.HandleListNodes)
	mux.HandleFunc("POST /nodes", h.HandleRegisterNode)
	mux.HandleFunc("DELETE /nodes/{id}", h.HandleRemoveNode)

	mux.HandleFunc("POST /execute", h.HandleExecute)
	mux.HandleFunc("GET /executions", h.HandleListExecutions)
	mux.HandleFunc("GET /executions/summary", h.HandleExecutionSummary)
	mux.HandleFunc("GET /executions/{id}", h.HandleGetExecution)
	mux.HandleFunc("GET /executions/{id}/stream", h.HandleStreamExecution)

	mux.HandleFunc("GET /gpu", h.HandleListSamples)
	mux.HandleFunc("POST /gpu", h.HandleIngestSamples)
	mux.HandleFunc("GET /gpu/chart", h.HandleChart)
}

// Handler builds the full middleware-wrapped handler. The resource API is
// served both at the root and under /api/v1.
func (s *Server) Handler() http.Handler {
	apiMux := http.NewServeMux()
	s.routes(apiMux)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.cfg.Metrics.Enabled && s.deps.Metrics != nil {
		mux.Handle("GET "+s.cfg.Metrics.Path, promhttp.HandlerFor(s.deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/api/v1/", http.StripPrefix("/api/v1", apiMux))
	mux.Handle("/", apiMux)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(s.deps.Metrics)(handler)
	handler = RateLimitMiddleware(s.cfg.Security.RateLimitRPS, s.cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(s.cfg.Server.MaxRequestBody)(handler)
	handler = CORSMiddleware(s.cfg.Security.AllowedOrigins)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// Start begins listening for requests.
func (s *Server) Start() error {
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.deps.DB == nil || s.deps.DB.Healthy(r.Context())

	summary := s.deps.Query.Summary()
	resp := HealthResponse{
		Status:     "ok",
		Database:   dbOK,
		Commands:   len(s.deps.Commands.List()),
		Nodes:      len(s.deps.Nodes.List()),
		Executions: summary.Total,
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
	}

	if !dbOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
