// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

// Package main is the entry point for the dtable-events server.
//
// dtable-events consumes table events published by dtable-server and runs
// the background work of a SeaTable deployment: automation rules,
// notification rules, webhooks, the activity feed, common dataset syncs and
// spreadsheet import/export tasks.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: defaults, config.yaml, then environment (Koanf v2)
//  2. MySQL: rule, dataset, webhook and activity tables of dtable-web
//  3. Sibling clients: dtable-server, dtable-db and dtable-web with JWT auth
//  4. NATS: embedded or external JetStream, stream and publisher
//  5. Event router: table events fan out to the consumers, task requests
//     go to the task runner
//  6. Scheduler: periodic automation, deadline scans and dataset syncs
//  7. HTTP server: health, metrics, task intake and SQL generation
//
// Everything long-running is a service of the suture supervisor tree.
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the root context. The tree stops the API layer,
// then the messaging layer (router and scheduler), then the data layer,
// each within the configured shutdown timeout.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/dtable-events/internal/config"
	"github.com/tomtom215/dtable-events/internal/logging"
	"github.com/tomtom215/dtable-events/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("dtable_server", cfg.DTable.ServerURL).
		Str("mysql_host", cfg.MySQL.Host).
		Bool("embedded_nats", cfg.NATS.EmbeddedServer).
		Msg("Starting dtable-events")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfigFrom(cfg.Supervisor))
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	app, err := build(ctx, cfg, tree)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize dtable-events")
	}
	defer app.close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
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

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}
	logging.Info().Msg("dtable-events stopped")
}

func newHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
		IdleTimeout:       60 * time.Second,
	}
}
