package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"safety-monitor/internal/config"
	"safety-monitor/internal/monitor"
	"safety-monitor/internal/pipeline"
)

// Server is the dashboard-facing HTTP server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and
// middleware. service may be nil when providers could not be resolved;
// read endpoints still work for reviewing past runs.
func NewServer(cfg *config.Config, store Store, service *pipeline.Service, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(store, service, metrics)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured, all requests will be accepted")
	}

	// Run/result API, wrapped with auth
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /runs", handlers.HandleCreateRun)
	apiMux.HandleFunc("GET /runs", handlers.HandleListRuns)
	apiMux.HandleFunc("GET /runs/{id}", handlers.HandleGetRun)
	apiMux.HandleFunc("GET /runs/{id}/results", handlers.HandleListResults)
	apiMux.HandleFunc("GET /results/{id}", handlers.HandleGetResult)
	apiMux.HandleFunc("POST /results/{id}/review", handlers.HandleReview)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(store))
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
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

func (s *Server) handleHealth(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := store == nil || store.Healthy(r.Context())

		resp := HealthResponse{
			Status:   "ok",
			Database: dbOK,
			Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		}

		status := http.StatusOK
		if !dbOK {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}
