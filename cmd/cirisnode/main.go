package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/emooreatx/CIRISNode/api"
	"github.com/emooreatx/CIRISNode/internal/adapters/duckdb"
	"github.com/emooreatx/CIRISNode/internal/adapters/providers"
	appconfig "github.com/emooreatx/CIRISNode/internal/config"
	"github.com/emooreatx/CIRISNode/internal/core/services"
	"github.com/emooreatx/CIRISNode/pkg/node"
)

func main() {
	cfg := appconfig.Load()
	logger, closeLogs := appconfig.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer closeLogs()

	logger.Info("starting cirisnode")

	if err := run(logger, cfg); err != nil {
		logger.Error("node startup failed", "error", err)
		closeLogs()
		os.Exit(1)
	}
}

func run(logger *slog.Logger, cfg appconfig.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	// Validate the bundled API document before anything else; a broken
	// document means a broken build.
	_, openapiJSON, err := api.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load api document: %w", err)
	}

	repo, err := duckdb.NewRepository(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	defer repo.Close()

	// Signing key: env seed wins, otherwise a seed file next to the DB.
	keyPath := filepath.Join(filepath.Dir(cfg.DBPath), "signing.key")
	signingKey, err := appconfig.LoadSigningKey(cfg.SigningKeySeed, keyPath)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}
	signer := services.NewSigner(signingKey)

	catalog, err := services.NewCatalog(cfg.ScenarioFile)
	if err != nil {
		return fmt.Errorf("failed to load scenario catalog: %w", err)
	}

	// Core services
	eventBus := services.NewEventBus(logger)
	auditLog := services.NewAuditLog(logger, repo)
	wbdManager := services.NewWBDManager(logger, repo, auditLog, cfg.DefaultSLA, cfg.SLASweepInterval)

	factory := providers.NewFactory(&cfg)
	orchestrator := services.NewOrchestrator(logger, repo, catalog, factory, signer, auditLog, eventBus,
		services.OrchestratorConfig{
			MaxConcurrentJobs: cfg.MaxConcurrent,
			ScorerTimeout:     cfg.ScorerTimeout,
			MaxRetries:        cfg.MaxRetries,
			RetryBackoff:      cfg.RetryBackoff,
		})

	apiServer := node.NewServer(logger, orchestrator, auditLog, wbdManager, signer, eventBus, catalog,
		cfg.AdminToken, openapiJSON)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: c.Handler(apiServer.Handler()),
	}

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Benchmark execution loop
	g.Go(func() error {
		return orchestrator.Run(gCtx)
	})

	// 2. SLA sweep loop
	g.Go(func() error {
		return wbdManager.Run(gCtx)
	})

	// 3. API server
	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	// 4. Graceful shutdown for the API server
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
