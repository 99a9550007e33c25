// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement/allocations"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/api"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/candidates"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/store"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/upstream"
	"github.com/cobaltcore-dev/cortex-placement/pkg/conf"
	"github.com/cobaltcore-dev/cortex-placement/pkg/db"
	"github.com/cobaltcore-dev/cortex-placement/pkg/keystone"
	"github.com/cobaltcore-dev/cortex-placement/pkg/monitoring"
	"github.com/sapcc/go-api-declarations/bininfo"
	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/must"
	"go.uber.org/automaxprocs/maxprocs"
)

// Run the prometheus metrics server for monitoring.
func runMonitoringServer(ctx context.Context, registry *monitoring.Registry) {
	if err := registry.Serve(ctx); err != nil {
		panic(err)
	}
}

// Mirror an upstream placement service until the context is cancelled.
func runUpstreamImport(ctx context.Context, config *conf.Config, s *store.Store, registry *monitoring.Registry) {
	client := upstream.NewClient(keystone.NewKeystoneClient(config.KeystoneConfig))
	if err := client.Init(ctx); err != nil {
		slog.Error("failed to initialize upstream placement client", "error", err)
		return
	}
	importer := upstream.NewImporter(s, client, upstream.NewImporterMonitor(registry))
	interval := time.Duration(config.PlacementConfig.WithDefaults().Upstream.IntervalSeconds) * time.Second
	importer.Run(ctx, interval)
}

func main() {
	// If called with `--version`, report version and exit (the Dockerfile
	// uses this to check if the binary was built correctly)
	bininfo.HandleVersionArgument()

	config := conf.GetConfigOrDie[*conf.Config]()
	config.LoggingConfig.SetDefaultLogger()
	must.Succeed(config.Validate())

	// Set runtime concurrency to match CPU limit imposed by Kubernetes
	undoMaxprocs := must.Return(maxprocs.Set(maxprocs.Logger(slog.Debug)))
	defer undoMaxprocs()

	// Override User-Agent header for all requests made by this process
	// (logs will show e.g. "cortex-placement/d0c9faa" instead of "Go-http-client/2.0")
	wrap := httpext.WrapTransport(&http.DefaultTransport)
	wrap.SetOverrideUserAgent(bininfo.Component(), bininfo.VersionOr("rolling"))

	// This context will gracefully shutdown when the process receives the
	// standard shutdown signal SIGINT, with a 10-second delay to allow
	// Kubernetes to stop sending new requests well before the process starts
	// to shut down.
	ctx := httpext.ContextWithSIGINT(context.Background(), 10*time.Second)

	// Set up the monitoring registry and database connection.
	registry := monitoring.NewRegistry(config.MonitoringConfig)
	dbMonitor := db.NewDBMonitor(registry)
	database := must.Return(db.NewPostgresDB(ctx, config.DBConfig, registry, dbMonitor))
	defer database.Close()

	go database.CheckLivenessPeriodically(ctx)
	go runMonitoringServer(ctx, registry)

	s := store.New(database)
	must.Succeed(s.CreateSchema())
	must.Succeed(s.EnsureSeeded(ctx))

	if config.PlacementConfig.Upstream.Enabled {
		go runUpstreamImport(ctx, config, s, registry)
	}

	placementConfig := config.PlacementConfig
	generator := candidates.NewGenerator(s, placementConfig, candidates.NewGeneratorMonitor(registry))
	committer := allocations.NewCommitter(s, placementConfig, allocations.NewCommitterMonitor(registry))

	// Run an api server that serves the placement endpoints.
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	api.NewAPI(config.APIConfig, s, generator, committer, api.NewAPIMonitor(registry)).Init(mux)

	// Run the api server after all other tasks have been started and
	// all http handlers have been registered to the mux.
	addr := fmt.Sprintf(":%d", config.APIConfig.Port)
	slog.Info("api listening", "port", config.APIConfig.Port)
	if err := httpext.ListenAndServeContext(ctx, addr, mux); err != nil {
		panic(err)
	}
}
