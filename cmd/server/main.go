// Package main is the entry point for the flexledger ingestion service.
// The service fetches IBKR Flex statements on a schedule, persists the raw
// payloads immutably, maps them into canonical events, maintains the FIFO
// lot ledger, and regenerates daily P&L snapshots. A small HTTP API exposes
// manual triggers, reprocess, run history, and snapshot reads.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/flexledger/internal/config"
	"github.com/aristath/flexledger/internal/database"
	"github.com/aristath/flexledger/internal/flex"
	"github.com/aristath/flexledger/internal/modules/canonical"
	"github.com/aristath/flexledger/internal/modules/ingestion"
	ingestionhandlers "github.com/aristath/flexledger/internal/modules/ingestion/handlers"
	"github.com/aristath/flexledger/internal/modules/ledger"
	snapshothandlers "github.com/aristath/flexledger/internal/modules/snapshots/handlers"
	"github.com/aristath/flexledger/internal/scheduler"
	"github.com/aristath/flexledger/internal/server"
	"github.com/aristath/flexledger/pkg/logger"
)

func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
	})

	log.Info().Str("account_id", cfg.AccountID).Msg("Starting flexledger")

	// Database connection and schema. The schema is idempotent, so applying
	// it on every startup keeps a fresh database and a running one identical.
	db, err := database.New(database.Config{URL: cfg.DatabaseURL})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply database schema")
	}
	log.Info().Msg("Database schema applied")

	// Flex Web Service client with the configured poll retry strategy
	flexClient, err := flex.NewClient(flex.ClientConfig{
		Token: cfg.FlexToken,
		Strategy: flex.RetryStrategy{
			InitialWait:   time.Duration(cfg.Flex.InitialWaitSeconds) * time.Second,
			RetryAttempts: cfg.Flex.RetryAttempts,
			BackoffBase:   time.Duration(cfg.Flex.BackoffBaseSeconds) * time.Second,
			BackoffMax:    time.Duration(cfg.Flex.BackoffMaxSeconds) * time.Second,
			JitterMin:     cfg.Flex.JitterMinMultiplier,
			JitterMax:     cfg.Flex.JitterMaxMultiplier,
		},
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Flex client")
	}

	// Repositories
	runRepo := ingestion.NewRunRepository(db.Conn(), log)
	rawRepo := ingestion.NewRawRepository(db.Conn(), log)
	canonicalRepo := canonical.NewRepository(db.Conn(), log)
	ledgerRepo := ledger.NewRepository(db.Conn(), log)

	// Services
	pipeline := canonical.NewPipeline(canonicalRepo, canonical.NewMapper(log), log)
	snapshotService := ledger.NewSnapshotService(ledgerRepo, cfg.AccountID, cfg.BaseCurrency, cfg.LocalTimezone, log)

	ingestionCfg := ingestion.Config{
		AccountID:             cfg.AccountID,
		FlexQueryID:           cfg.FlexQueryID,
		BaseCurrency:          cfg.BaseCurrency,
		ReconciliationEnabled: cfg.Reconciliation,
	}
	orchestrator := ingestion.NewOrchestrator(runRepo, rawRepo, flexClient, pipeline, snapshotService, ingestionCfg, log)
	reprocessor := ingestion.NewReprocessor(runRepo, runRepo, pipeline, snapshotService, ingestionCfg, log)

	// HTTP server
	srv := server.New(server.Config{
		Log:               log,
		DB:                db,
		Port:              cfg.Port,
		CORSOrigins:       cfg.CORSOrigins,
		IngestionHandlers: ingestionhandlers.NewHandler(orchestrator, reprocessor, runRepo, log),
		SnapshotHandlers:  snapshothandlers.NewHandler(ledgerRepo, cfg.AccountID, log),
	})

	// Scheduled ingestion. An empty cron expression disables the schedule;
	// runs can still be triggered through the API.
	sched := scheduler.New(log)
	if cfg.IngestionCron != "" {
		job := scheduler.NewIngestionJob(orchestrator, log)
		if err := sched.AddJob(cfg.IngestionCron, job); err != nil {
			log.Fatal().Err(err).Str("schedule", cfg.IngestionCron).Msg("Failed to register ingestion schedule")
		}
	} else {
		log.Warn().Msg("Scheduled ingestion disabled, no cron expression configured")
	}
	sched.Start()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Stop the schedule first so no new run starts mid-shutdown, then give
	// the HTTP server time to finish in-flight requests.
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	flexClient.Close()

	log.Info().Msg("Server stopped")
}
