// Kestrel - Visa eligibility rules with a full audit trail.
// Copyright (c) 2025 clearpath.legal
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

	"github.com/clearpath-legal/kestrel/internal/api"
	"github.com/clearpath-legal/kestrel/internal/bus"
	"github.com/clearpath-legal/kestrel/internal/cache"
	"github.com/clearpath-legal/kestrel/internal/diff"
	"github.com/clearpath-legal/kestrel/internal/domain"
	"github.com/clearpath-legal/kestrel/internal/lifecycle"
	"github.com/clearpath-legal/kestrel/internal/orchestrator"
	"github.com/clearpath-legal/kestrel/internal/repository"
	"github.com/clearpath-legal/kestrel/internal/worker"
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

	// Initialize Lifecycle Manager
	manager := lifecycle.NewManager(repo, cacheImpl, busImpl, logger)
	slog.Info("lifecycle manager initialized")

	// Initialize Orchestrator
	orch := orchestrator.New(busImpl, logger)
	if cfg.Evaluation.EscalationThreshold > 0 {
		orch.EscalationThreshold = cfg.Evaluation.EscalationThreshold
	}
	slog.Info("orchestrator initialized", "escalation_threshold", orch.EscalationThreshold)

	// Initialize Evaluation Worker. It serves synchronous /evaluate calls
	// directly; Start wires it to the bus for async requests as well.
	evaluator := worker.NewWorker(busImpl, repo, manager, orch, cfg.Evaluation)
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		if err := evaluator.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started")
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, manager, diff.NewService(repo), evaluator, Version)

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

	// Stop async worker first
	if err := evaluator.Stop(); err != nil {
		slog.Error("failed to stop async worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║      Visa Eligibility Rule Engine         ║")
	fmt.Println("  ║      Every rule, every version.           ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /visa-types                    - Create a visa type")
	fmt.Println("    GET  /visa-types                    - List visa types")
	fmt.Println("    POST /visa-types/{id}/versions      - Create a draft rule version")
	fmt.Println("    GET  /visa-types/{id}/versions      - List rule versions")
	fmt.Println("    POST /visa-types/{id}/rollback      - Roll back to a prior version")
	fmt.Println("    GET  /visa-types/{id}/conflicts     - Detect window conflicts")
	fmt.Println("    GET  /visa-types/{id}/coverage      - Analyze coverage gaps")
	fmt.Println("    GET  /versions/compare?a=&b=        - Compare two versions")
	fmt.Println("    PATCH  /versions/{id}               - Update a version")
	fmt.Println("    POST /versions/{id}/publish         - Publish a version")
	fmt.Println("    POST /versions/{id}/unpublish       - Unpublish a version")
	fmt.Println("    DELETE /versions/{id}               - Soft-delete a version")
	fmt.Println("    POST /evaluate                      - Evaluate a case")
	fmt.Println("    GET  /evaluations/{id}              - Get evaluation by ID")
	fmt.Println("    GET  /health                        - Health check")
	fmt.Println()
}
