// Package main is the entry point for the strategos trading platform.
// It loads configuration, wires every subsystem through the app
// container, hands lifecycles to the production coordinator, starts the
// recovery engine beside it and waits for a shutdown signal.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/avramidis/strategos/internal/app"
	"github.com/avramidis/strategos/internal/config"
	"github.com/avramidis/strategos/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Fallback logger so the configuration error still gets logged
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})

	log.Info().
		Str("data_dir", cfg.DataDir).
		Str("mode", cfg.Trading.Mode).
		Strs("symbols", cfg.Trading.Symbols).
		Msg("Starting strategos")

	container, err := app.Wire(context.Background(), cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	// The coordinator owns component startup: event bus, broker,
	// pipeline, scheduler, ops server, in that order.
	if err := container.Coordinator.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start system")
	}

	// The recovery engine runs beside the coordinator so it can still
	// act while registered components are failing.
	if err := container.Recovery.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start recovery engine")
	}

	log.Info().Int("port", cfg.Server.Port).Msg("System running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	// A second signal aborts the graceful path immediately
	go func() {
		s := <-quit
		log.Error().Str("signal", s.String()).Msg("Forced exit")
		os.Exit(1)
	}()

	// Recovery stops first so no action fires into a stopping system;
	// the coordinator then walks components down in reverse order.
	if err := container.Recovery.Stop(); err != nil {
		log.Error().Err(err).Msg("Recovery engine stop failed")
	}
	if err := container.Coordinator.Stop(false); err != nil {
		log.Error().Err(err).Msg("Shutdown finished with errors")
	}

	log.Info().Msg("Strategos stopped")
}
