// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

// Command server runs the back-office HTTP service: analytics aggregation
// over the GA4 Data API and geolocation enrichment of stored sessions.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mementofilms/backoffice/internal/api"
	"github.com/mementofilms/backoffice/internal/config"
	"github.com/mementofilms/backoffice/internal/enrichment"
	"github.com/mementofilms/backoffice/internal/ga4"
	"github.com/mementofilms/backoffice/internal/geoip"
	"github.com/mementofilms/backoffice/internal/logging"
	"github.com/mementofilms/backoffice/internal/storage"
	"github.com/mementofilms/backoffice/internal/supervisor"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("Server exited with error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	logging.Info().Str("version", version).Str("environment", cfg.Server.Environment).Msg("Starting back-office server")

	db, err := storage.New(&cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Warn().Err(err).Msg("Failed to close session store")
		}
	}()

	// GA4 query path: HTTP client under the hard query budget, wrapped by a
	// circuit breaker, consumed by the metrics engine.
	ga4Client := ga4.NewClient(&cfg.GA4)
	engine := ga4.NewEngine(ga4.NewBreakerClient(ga4Client), cfg.GA4.LocaleDimension)

	provider := geoip.NewIPAPIProvider(&cfg.GeoIP)
	manager := enrichment.NewManager(db, provider, &cfg.Enrichment)

	auth, err := api.NewAuth(&cfg.Security)
	if err != nil {
		return err
	}
	handler := api.NewHandler(engine, manager, db, version)
	router := api.NewRouter(cfg, handler, auth)
	server := api.NewServer(&cfg.Server, router)

	// Supervisor lifecycle events route through slog into zerolog.
	slogger := slog.New(logging.NewSlogHandler())
	tree := supervisor.NewTree(slogger, supervisor.DefaultTreeConfig())
	tree.AddJobsService(manager)
	tree.AddAPIService(server)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logging.Info().Msg("Server stopped")
	return nil
}
