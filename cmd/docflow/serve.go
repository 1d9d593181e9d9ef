// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/docflowio/docflow/pkg/logging"
	"github.com/docflowio/docflow/services/engine/clients"
	"github.com/docflowio/docflow/services/engine/config"
	"github.com/docflowio/docflow/services/engine/coordinator"
	"github.com/docflowio/docflow/services/engine/formula"
	"github.com/docflowio/docflow/services/engine/handlers"
	"github.com/docflowio/docflow/services/engine/observability"
	"github.com/docflowio/docflow/services/engine/processor"
	"github.com/docflowio/docflow/services/engine/recon"
	"github.com/docflowio/docflow/services/engine/rulelock"
	"github.com/docflowio/docflow/services/engine/store"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:   cfg.Observability.LogLevel,
		Service: "docflow-engine",
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
			ServiceName: cfg.Observability.ServiceName,
			Endpoint:    cfg.Observability.OTLPEndpoint,
			Insecure:    true,
		})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("trace shutdown failed", "error", err)
			}
		}()
	}

	storeCfg := store.DefaultConfig()
	storeCfg.Path = cfg.Store.Path
	storeCfg.InMemory = cfg.Store.Path == ""
	st, err := store.Open(storeCfg)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer func() { _ = st.Close() }()

	graphs, err := clients.NewDirGraphStore(cfg.Workflows.Dir, logger)
	if err != nil {
		return err
	}
	defer func() { _ = graphs.Close() }()

	httpCfg := func(baseURL string) clients.HTTPConfig {
		return clients.HTTPConfig{BaseURL: baseURL, Timeout: cfg.Services.Timeout, Logger: logger}
	}
	docs := clients.NewHTTPDocumentStore(httpCfg(cfg.Services.DocumentsURL))
	extractor := clients.NewHTTPExtractionService(httpCfg(cfg.Services.ExtractionURL))
	classifier := clients.NewHTTPClassificationService(httpCfg(cfg.Services.ClassificationURL))
	splitter := clients.NewHTTPSplittingService(httpCfg(cfg.Services.SplittingURL))
	caller := clients.NewRateLimitedCaller(
		clients.HTTPConfig{Timeout: cfg.Services.Timeout, Logger: logger},
		cfg.Services.HTTPRateLimit, 1)

	eval := formula.New(cfg.Engine.FormulaTimeout)
	reconEngine := recon.New(st, rulelock.New(), eval, logger)

	registry := processor.NewRegistry()
	registry.Register(processor.NewIfProcessor(eval))
	registry.Register(processor.NewSwitchProcessor(eval))
	registry.Register(processor.NewSetValueProcessor(eval))
	registry.Register(processor.NewDataMappingProcessor(eval))
	registry.Register(processor.NewFolderProcessor())
	registry.Register(processor.NewExtractorHoldProcessor())
	registry.Register(processor.NewSplittingProcessor(splitter))
	registry.Register(processor.NewHTTPProcessor(caller))
	registry.Register(processor.NewExtractionProcessor(extractor))
	registry.Register(processor.NewClassificationProcessor(classifier))
	registry.Register(reconEngine)

	metrics := observability.NewMetrics()
	coord := coordinator.New(st, graphs, docs, registry, metrics, logger)

	// Crash recovery runs before any listener accepts work.
	coord.SweepStale(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Observability.ServiceName))
	handlers.SetupRoutes(router, coord, st, reconEngine, metrics)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("engine listening", "addr", cfg.Server.ListenAddr, "workflow_dir", cfg.Workflows.Dir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
