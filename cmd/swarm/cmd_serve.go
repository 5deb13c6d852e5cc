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
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/cluster"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/dashboard"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/events"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/orchestrator"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/routing"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/workflow"
)

// healthCheckInterval paces the background fleet probe.
const healthCheckInterval = 30 * time.Second

var listenFlag string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the swarm API and dashboard server",
	RunE:  runServeCommand,
}

func init() {
	serveCmd.Flags().StringVar(&listenFlag, "listen", "", "bind address (overrides config)")
}

func runServeCommand(_ *cobra.Command, _ []string) error {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	if debugMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracing, err := initTracing()
	if err != nil {
		return fmt.Errorf("tracing init: %w", err)
	}

	bus := events.NewBus(logger)
	var redisSink *events.RedisPublisher
	if cfg.RedisAddr != "" {
		redisSink = events.NewRedisPublisher(cfg.RedisAddr, logger)
		bus.AddSink(redisSink)
		logger.Info("redis event mirror enabled", slog.String("addr", cfg.RedisAddr))
	}

	reg := cluster.NewRegistry(bus, logger)
	if err := seedRegistry(reg, cfg.NodesFile, logger); err != nil {
		return err
	}

	// Routing pattern cache. If the directory is unavailable the router
	// keeps working without adaptive memory.
	var patterns *routing.PatternCache
	if dir := patternCacheDir(); dir != "" {
		patterns, err = routing.OpenPatternCache(dir, logger)
		if err != nil {
			logger.Warn("pattern cache unavailable, adaptive routing memory disabled",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			patterns = nil
		} else {
			logger.Info("pattern cache opened", slog.String("dir", dir))
		}
	}

	coordinator := routing.NewCoordinator(routing.CoordinatorConfig{
		IdleTimeout: cfg.CoordinatorIdle(),
	}, bus, logger)
	lb := routing.NewLoadBalancer(reg, coordinator, patterns, bus, logger)

	rag := workflow.NewRAGFromEnv(logger)
	if cfg.RAGEndpoint != "" {
		rag.Endpoint = cfg.RAGEndpoint
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("aleutian-swarm"))
	if debugMode {
		router.Use(gin.Logger())
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handlers := dashboard.NewHandlers(reg, lb, &dashboard.Collector{
		Registry: reg,
		Patterns: patterns,
	}, bus, logger)
	dashboard.RegisterRoutes(router.Group("/v1"), handlers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.NodesFile != "" {
		go func() {
			if err := orchestrator.WatchNodesFile(ctx, cfg.NodesFile, reg, logger); err != nil && err != context.Canceled {
				logger.Warn("node file watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}
	go healthLoop(ctx, reg)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("shutting down swarm server")
		cancel()
		coordinator.Stop()
		if err := patterns.Close(); err != nil {
			logger.Warn("closing pattern cache", slog.String("error", err.Error()))
		}
		if redisSink != nil {
			if err := redisSink.Close(); err != nil {
				logger.Warn("closing redis sink", slog.String("error", err.Error()))
			}
		}
		bus.Close()
		shutdownTracing()
		os.Exit(exitOK)
	}()

	addr := cfg.ListenAddr
	if listenFlag != "" {
		addr = listenFlag
	}
	logger.Info("starting swarm server",
		slog.String("address", addr),
		slog.Int("nodes", len(reg.Nodes())),
	)
	if err := router.Run(addr); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// healthLoop re-probes every node on a fixed cadence so the dashboard
// and router see failures without waiting for a request to hit one.
func healthLoop(ctx context.Context, reg *cluster.Registry) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.HealthCheckAll(ctx)
		}
	}
}

// initTracing installs the W3C propagator, and a stdout span exporter
// when SWARM_TRACE_STDOUT is set. Returns a flush func.
func initTracing() (func(), error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if os.Getenv("SWARM_TRACE_STDOUT") == "" {
		return func() {}, nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}

// patternCacheDir resolves the badger directory for routing patterns.
// SWARM_PATTERN_CACHE_DIR overrides the default under the home dir.
func patternCacheDir() string {
	if dir := os.Getenv("SWARM_PATTERN_CACHE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".swarm", "cache", "patterns")
}
