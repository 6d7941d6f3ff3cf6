// Kestrel - Eligibility decisions that deploy in 60 seconds.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/amount"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/governance"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/integration"
	"github.com/opensource-finance/kestrel/internal/params"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/resolver"
	"github.com/opensource-finance/kestrel/internal/rules"
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
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
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

	// Parameter catalog and rule snapshot engine share the cache.
	catalog := params.NewCatalog(repo, cacheImpl)
	engine := rules.NewEngine(repo, cacheImpl, catalog)
	slog.Info("rule engine initialized")

	// External integration orchestrator
	client := integration.NewClient(cfg.Engine.NodeTimeoutMs)
	orchestrator := integration.NewOrchestrator(repo, client)
	slog.Info("integration orchestrator initialized",
		"default_timeout_ms", cfg.Engine.NodeTimeoutMs,
	)

	// Amount calculator with formula support
	formulas, err := amount.NewFormulaEngine()
	if err != nil {
		slog.Error("failed to initialize formula engine", "error", err)
		os.Exit(1)
	}
	calc := amount.NewCalculator(repo, formulas)
	slog.Info("amount calculator initialized")

	// Async evaluation history recorder
	recorder := history.NewRecorder(repo, busImpl, cfg.Engine.HistoryBuffer)
	recorder.Start()
	slog.Info("history recorder started", "buffer", cfg.Engine.HistoryBuffer)

	// Decision resolver
	res := resolver.New(repo, engine, catalog, orchestrator, calc, recorder)
	slog.Info("resolver initialized", "bestfit_workers", cfg.Engine.BestFitWorkers)

	// Maker-checker governance
	gov := governance.NewService(repo, engine, busImpl, cfg.Engine.AllowDirectDeactivate)
	slog.Info("governance service initialized",
		"direct_deactivate", cfg.Engine.AllowDirectDeactivate,
	)

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, catalog, res, calc, formulas, gov, Version, cfg.Engine.BestFitWorkers)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Server is quiet now; drain whatever history is still queued.
	recorder.Stop()
	if dropped := recorder.Dropped(); dropped > 0 {
		slog.Warn("history records dropped under load", "count", dropped)
	}

	slog.Info("kestrel shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ==============================================")
	fmt.Println("                  KESTREL")
	fmt.Println("        Eligibility Decision Engine")
	fmt.Println("  ==============================================")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate/cards/{id}    - Evaluate a card")
	fmt.Println("    POST /evaluate/products/{id} - Evaluate a product")
	fmt.Println("    POST /bestfit                - Rank eligible products")
	fmt.Println("    POST /amount/cards/{id}      - Calculate eligible amount")
	fmt.Println("    POST /rules                  - Create a rule draft")
	fmt.Println("    GET  /governance/pending     - List pending approvals")
	fmt.Println("    GET  /history                - Evaluation history")
	fmt.Println("    GET  /health                 - Health check")
	fmt.Println()
}
