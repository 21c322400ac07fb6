// Wardwatch - Ward-level malaria decision support.
// Copyright (c) 2025 opensource.health
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-health/wardwatch/internal/api"
	"github.com/opensource-health/wardwatch/internal/bus"
	"github.com/opensource-health/wardwatch/internal/cache"
	"github.com/opensource-health/wardwatch/internal/domain"
	"github.com/opensource-health/wardwatch/internal/pipeline"
	"github.com/opensource-health/wardwatch/internal/quality"
	"github.com/opensource-health/wardwatch/internal/repository"
	"github.com/opensource-health/wardwatch/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("WARDWATCH_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting wardwatch",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("WARDWATCH_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	// Optional config file overrides
	if path := os.Getenv("WARDWATCH_CONFIG"); path != "" {
		loaded, err := domain.LoadConfig(path, cfg)
		if err != nil {
			slog.Error("failed to load config file", "path", path, "error", err)
			os.Exit(1)
		}
		cfg = loaded
		slog.Info("config file loaded", "path", path)
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Quality Engine. Session rules are loaded from the
	// database at evaluation time; only the shared CEL environment is
	// built here.
	qualityEngine, err := quality.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize quality engine", "error", err)
		os.Exit(1)
	}
	defer qualityEngine.Close()
	slog.Info("quality engine initialized")

	// Initialize Pipeline Runner
	runner := pipeline.NewRunner(repo, cacheImpl, busImpl, qualityEngine, cfg.Pipeline)
	slog.Info("pipeline runner initialized",
		"centroid_review_km", cfg.Pipeline.CentroidReviewKm,
		"fuzzy_max_distance", cfg.Pipeline.FuzzyMaxDistance,
		"urban_tpr_threshold", cfg.Pipeline.UrbanTPRThreshold,
	)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("WARDWATCH_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, runner)

		var sessionIDs []string
		if envSessions := os.Getenv("WARDWATCH_SESSIONS"); envSessions != "" {
			sessionIDs = strings.Split(envSessions, ",")
		}

		if err := asyncWorker.Start(worker.Config{SessionIDs: sessionIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "session_count", len(sessionIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, runner, qualityEngine, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("wardwatch is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("wardwatch shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║              🦟 WARDWATCH                 ║")
	fmt.Println("  ║   Ward-level malaria decision support     ║")
	fmt.Println("  ║      From test counts to net plans.       ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /datasets/facilities    - Upload facility test records")
	fmt.Println("    POST /datasets/boundaries    - Upload boundary wards")
	fmt.Println("    POST /datasets/population    - Upload ward population")
	fmt.Println("    POST /datasets/covariates    - Upload ward covariates")
	fmt.Println("    POST /pipeline/resolve       - Resolve ward identities")
	fmt.Println("    POST /pipeline/tpr           - Compute ward TPR")
	fmt.Println("    POST /pipeline/risk          - Score and rank ward risk")
	fmt.Println("    POST /pipeline/allocate      - Plan net allocation")
	fmt.Println("    POST /pipeline/run           - Run the full pipeline")
	fmt.Println("    GET  /results/...            - Retrieve stage outputs")
	fmt.Println("    GET  /rules                  - List quality rules")
	fmt.Println("    POST /rules                  - Create a quality rule")
	fmt.Println("    POST /rules/reload           - Hot-reload quality rules")
	fmt.Println("    GET  /health                 - Health check")
	fmt.Println()
}
