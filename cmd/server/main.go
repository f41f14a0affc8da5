package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codelab-engine/internal/api"
	"codelab-engine/internal/config"
	"codelab-engine/internal/engine"
	"codelab-engine/internal/monitor"
	"codelab-engine/internal/policy"
	"codelab-engine/internal/runtime"
	"codelab-engine/internal/sandbox"
	"codelab-engine/internal/storage"
	"codelab-engine/internal/template"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	// Env overrides
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			log.Fatal().Str("port", port).Msg("PORT must be an integer")
		}
		cfg.Server.Port = p
		log.Info().Int("port", p).Msg("using port from environment")
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.DSN = dsn
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	tracer := monitor.NewTracer()

	// Security policy, hot-reloadable through the API.
	policies, err := policy.NewStore(&cfg.Policy)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid initial security policy")
	}

	runtimes := runtime.NewRegistry(cfg.Sandbox.DSLInterpreter, cfg.Sandbox.DSLImage)

	backend, err := sandbox.NewBackend(ctx, cfg, runtimes)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize sandbox backend")
	}

	var store storage.Store
	switch cfg.Database.Driver {
	case "postgres":
		store, err = storage.OpenPostgres(ctx, cfg.Database.DSN)
	default:
		store, err = storage.OpenSQLite(cfg.Database.Path)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	defer store.Close()

	catalog := template.NewCatalog(store)
	eng := engine.New(policies, backend, store, catalog, metrics, tracer)

	server := api.NewServer(cfg, eng, store, catalog, policies, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("backend close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("backend", cfg.Sandbox.Backend).
		Str("database", cfg.Database.Driver).
		Strs("languages", policies.Current().LanguagesEnabled).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
