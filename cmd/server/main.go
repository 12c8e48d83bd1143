// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package main is the entry point for the StreamSentry server.
//
// StreamSentry ingests media-server session activity, geolocates it, and
// maintains per-user behavioral fingerprints it checks every new activity
// against. Deviations (impossible travel, new countries and devices,
// concurrent streams across countries) become anomaly events with a
// resolution workflow, all exposed over a JSON HTTP API.
//
// Startup order:
//
//  1. Configuration: koanf v2 merges defaults, config.yaml, and
//     STREAMSENTRY_* environment variables
//  2. Logging: zerolog, json or console format
//  3. Database: DuckDB (file-backed, or in-memory when no path is set)
//  4. GeoIP: local MaxMind database or the ip-api.com web service
//  5. Detection engine, fingerprint builder, backfill worker
//  6. Supervisor tree: task runner, rebuild scheduler, HTTP server
//
// Shutdown is graceful on SIGINT/SIGTERM: the HTTP server drains in-flight
// requests, the task runner finishes the task it is on, and the database
// closes last.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streamsentry/streamsentry/internal/api"
	"github.com/streamsentry/streamsentry/internal/backfill"
	"github.com/streamsentry/streamsentry/internal/config"
	"github.com/streamsentry/streamsentry/internal/database"
	"github.com/streamsentry/streamsentry/internal/detection"
	"github.com/streamsentry/streamsentry/internal/fingerprint"
	"github.com/streamsentry/streamsentry/internal/geoip"
	"github.com/streamsentry/streamsentry/internal/logging"
	"github.com/streamsentry/streamsentry/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	logging.Info().
		Str("db_path", cfg.Database.Path).
		Str("geoip_provider", cfg.GeoIP.Provider).
		Str("listen_addr", cfg.Server.ListenAddr).
		Msg("Configuration loaded")

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()
	logging.Info().Msg("Database ready")

	resolver, cleanup, err := buildResolver(&cfg.GeoIP)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize GeoIP resolver")
	}
	defer cleanup()
	logging.Info().Str("provider", resolver.Name()).Msg("GeoIP resolver ready")

	builder := fingerprint.NewBuilder(db)
	engine := detection.NewEngine(cfg.Detection, db, db, db, db, resolver)

	worker := backfill.NewWorker(db, resolver, engine, builder)
	runner, err := backfill.NewChannelRunner(worker)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create task runner")
	}
	coordinator := backfill.NewCoordinator(runner)

	handler := api.NewHandler(db, db, builder, db, coordinator, engine)
	handler.SetRateLimit(cfg.Server.RateLimit)

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddTaskService(runner)
	tree.AddTaskService(supervisor.NewRebuildService(db, builder, cfg.Fingerprint.RebuildInterval))
	tree.AddAPIService(supervisor.NewHTTPService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server added to supervisor tree")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	if err := runner.Close(); err != nil {
		logging.Error().Err(err).Msg("Error closing task runner")
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("StreamSentry stopped")
}

// buildResolver selects the geolocation backend from configuration.
// The returned cleanup releases backend resources (the mmdb file handle).
func buildResolver(cfg *config.GeoIPConfig) (geoip.Provider, func(), error) {
	switch cfg.Provider {
	case "mmdb":
		p, err := geoip.NewMMDBProvider(cfg.MMDBPath)
		if err != nil {
			return nil, nil, err
		}
		return p, func() {
			if err := p.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing MaxMind database")
			}
		}, nil
	default:
		p := geoip.NewIPAPIProvider()
		p.SetRateLimit(cfg.IPAPIRatePerMinute)
		return p, func() {}, nil
	}
}
