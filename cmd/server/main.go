package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"safety-monitor/internal/api"
	"safety-monitor/internal/config"
	"safety-monitor/internal/monitor"
	"safety-monitor/internal/pipeline"
	"safety-monitor/internal/provider"
	"safety-monitor/internal/storage"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	metrics := monitor.NewMetrics()

	// The run store is required: reviews and run listings are the
	// server's whole purpose. Unavailability at startup is fatal.
	if cfg.Database.DSN == "" {
		log.Fatal().Msg("database.dsn is required for the server")
	}
	db, err := storage.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("run store unavailable")
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema bootstrap failed")
	}

	// Resolve providers. The server keeps serving reads when this
	// fails; run submission returns 503.
	var service *pipeline.Service
	providers, err := provider.Build(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("providers unavailable, run submission disabled")
	} else {
		seq := pipeline.NewSequencer(providers, pipeline.SequencerOptions{
			ProviderTimeout: cfg.Pipeline.ProviderTimeout,
			Metrics:         metrics,
			Tracer:          newTracer(cfg),
		})
		service = pipeline.NewService(seq, db, pipeline.ServiceOptions{
			Workers:        cfg.Pipeline.Workers,
			Models:         providers.ModelTag(),
			ConfigSnapshot: snapshotConfig(cfg),
			Metrics:        metrics,
		})
	}

	server := api.NewServer(cfg, db, service, metrics)

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
		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("pipeline_available", service != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}

func newTracer(cfg *config.Config) *monitor.Tracer {
	if !cfg.Tracing.Enabled {
		return nil
	}
	return monitor.NewTracer()
}

// snapshotConfig freezes the provider selection for the run records.
// Secrets never enter the snapshot: only backend and model names.
func snapshotConfig(cfg *config.Config) json.RawMessage {
	snap, err := json.Marshal(map[string]any{
		"input_classifier":  cfg.Providers.InputClassifier,
		"generator":         cfg.Providers.Generator,
		"output_classifier": cfg.Providers.OutputClassifier,
		"workers":           cfg.Pipeline.Workers,
		"provider_timeout":  cfg.Pipeline.ProviderTimeout.String(),
	})
	if err != nil {
		return json.RawMessage("{}")
	}
	return snap
}
