package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"codelab-engine/internal/config"
	"codelab-engine/internal/monitor"
	"codelab-engine/internal/policy"
	"codelab-engine/internal/storage"
	"codelab-engine/internal/template"
)

// Server is the HTTP front of the execution engine.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// healthChecker is implemented by stores that can probe their backend.
type healthChecker interface {
	Healthy(ctx context.Context) bool
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, eng Engine, store storage.Store, catalog *template.Catalog, policies *policy.Store, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(eng, store, catalog, policies, metrics)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured, all requests will be accepted")
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/v1/submit", handlers.HandleSubmit)
	apiMux.HandleFunc("GET /api/v1/executions", handlers.HandleListExecutions)
	apiMux.HandleFunc("GET /api/v1/executions/{id}", handlers.HandleGetExecution)
	apiMux.HandleFunc("DELETE /api/v1/executions/{id}", handlers.HandleCancel)
	apiMux.HandleFunc("GET /api/v1/sessions/{caller}", handlers.HandleSessionStats)
	apiMux.HandleFunc("GET /api/v1/templates/{id}", handlers.HandleGetTemplate)
	apiMux.HandleFunc("POST /api/v1/templates", handlers.HandleCreateTemplate)
	apiMux.HandleFunc("DELETE /api/v1/templates/{id}", handlers.HandleDeleteTemplate)
	apiMux.HandleFunc("GET /api/v1/policy", handlers.HandleGetPolicy)
	apiMux.Handle("PUT /api/v1/policy",
		AdminMiddleware(cfg.Security.AdminKeys)(http.HandlerFunc(handlers.HandlePutPolicy)))

	authedAPI := AuthMiddleware(cfg.Security.AllowedKeys)(apiMux)

	// Health and metrics bypass auth; everything else goes through it.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(store))
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Middleware chain, outermost first.
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
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

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

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

func (s *Server) handleHealth(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := true
		if hc, ok := store.(healthChecker); ok {
			dbOK = hc.Healthy(r.Context())
		}

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
