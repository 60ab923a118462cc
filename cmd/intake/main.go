// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command intake starts the Sepsis Spotter intake API server.
//
// The server keeps one Info Sheet per conversation, decides when the
// stage-1 and stage-2 inference services may be called, and persists
// sessions in BadgerDB.
//
// Usage:
//
//	go run ./cmd/intake
//	go run ./cmd/intake -port 9090 -debug
//
// With an alias override file (hot-reloaded):
//
//	SPOTTER_ALIASES_FILE=./aliases.yaml go run ./cmd/intake
//
// With stdout tracing:
//
//	SPOTTER_TRACE_EXPORTER=stdout go run ./cmd/intake
//
// Example requests:
//
//	# Create a session
//	curl -X POST http://localhost:8080/v1/spotter/sessions
//
//	# Send a free-text turn
//	curl -X POST http://localhost:8080/v1/spotter/sessions/$ID/messages \
//	  -H "Content-Type: application/json" \
//	  -d '{"text": "2-year-old boy, HR 154, RR 36, SpO2 95%"}'
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/audit"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/canonical"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/config"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/orchestrator"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/session"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/stages"
	badgerstore "github.com/ffr0517/Sepsis-Spotter-UI/services/intake/storage/badger"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/telemetry"
)

const serviceName = "spotter-intake"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	port := flag.Int("port", 8080, "Port to listen on")
	debug := flag.Bool("debug", false, "Enable debug mode")
	noWarmup := flag.Bool("no-warmup", false, "Skip upstream warmup at startup")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*port, *debug, *noWarmup, logger); err != nil {
		logger.Error("intake server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(port int, debug, noWarmup bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadIntakeConfig()
	if err != nil {
		return err
	}

	providers, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		TraceExporter:  cfg.TraceExporter,
	}, logger)
	if err != nil {
		return err
	}
	providers.Install()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(sctx)
	}()

	// Feature aliases: embedded table, optionally overridden from a file.
	registry := config.NewAliasRegistry(config.MustLoadFeatureAliases(), logger)
	if cfg.AliasesFile != "" {
		_ = registry.Reload(ctx, cfg.AliasesFile)
	}

	// Stage-invocation audit trail.
	var recorder stages.Recorder
	if cfg.Audit.DBPath != "" {
		rec, err := audit.Open(cfg.Audit.DBPath, logger)
		if err != nil {
			logger.Warn("audit database unavailable, logging only",
				slog.String("path", cfg.Audit.DBPath),
				slog.String("error", err.Error()),
			)
		} else {
			defer rec.Close()
			recorder = rec
		}
	}
	auditor := stages.NewInvocationAuditor(logger, cfg.Audit.Enabled, recorder)

	client, err := stages.NewClient(cfg.Stages,
		stages.WithLogger(logger),
		stages.WithAuditor(auditor),
		stages.WithTracerProvider(providers.TracerProvider),
		stages.WithUserAgent(serviceName+"/"+version),
	)
	if err != nil {
		return err
	}

	engine := orchestrator.NewEngine(canonical.New(registry, logger), client,
		orchestrator.WithLogger(logger),
		orchestrator.WithTracerProvider(providers.TracerProvider),
		orchestrator.WithMeterProvider(providers.MeterProvider),
	)

	store, closeStore := openSessionStore(cfg.Session, logger)
	defer closeStore()

	var hopts []intake.HandlersOption
	hopts = append(hopts, intake.WithHandlersLogger(logger))
	if !noWarmup {
		hopts = append(hopts, intake.WithWarmer(client))
	}
	handlers := intake.NewHandlers(engine, store, hopts...)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	if debug {
		router.Use(gin.Logger())
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	intake.RegisterRoutes(router.Group("/v1"), handlers)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting intake server",
			slog.String("address", srv.Addr),
			slog.String("version", version),
			slog.String("stage1_url", cfg.Stages.Stage1URL),
			slog.String("stage2_url", cfg.Stages.Stage2URL),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		wctx, cancel := context.WithTimeout(gctx, cfg.Stages.Stage2ReadTimeout)
		defer cancel()
		handlers.Warmup(wctx)
		return nil
	})
	if cfg.AliasesFile != "" {
		g.Go(func() error {
			if err := registry.Watch(gctx, cfg.AliasesFile); err != nil {
				logger.Warn("alias hot reload disabled", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down intake server")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// openSessionStore opens the BadgerDB session store, falling back to the
// in-memory store when no directory is configured or the DB cannot be
// opened.
func openSessionStore(cfg config.SessionConfig, logger *slog.Logger) (session.Store, func()) {
	if cfg.Dir == "" {
		logger.Info("session directory not set, sessions are in-memory only")
		return session.NewMemoryStore(cfg.TTL), func() {}
	}
	bcfg := badgerstore.DefaultConfig()
	bcfg.Path = cfg.Dir
	bcfg.Logger = logger
	db, err := badgerstore.OpenDB(bcfg)
	if err != nil {
		logger.Warn("session BadgerDB unavailable, sessions are in-memory only",
			slog.String("path", cfg.Dir),
			slog.String("error", err.Error()),
		)
		return session.NewMemoryStore(cfg.TTL), func() {}
	}
	logger.Info("session BadgerDB opened", slog.String("path", cfg.Dir))
	return session.NewBadgerStore(db, cfg.TTL, logger), func() {
		if err := db.Close(); err != nil {
			logger.Warn("failed to close session BadgerDB", slog.String("error", err.Error()))
		}
	}
}
