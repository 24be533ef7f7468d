package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/offline-ledger/internal/app"
	"github.com/dvloznov/offline-ledger/internal/config"
	"github.com/dvloznov/offline-ledger/internal/logger"
	"github.com/dvloznov/offline-ledger/internal/syncengine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatal := logger.New()
		fatal.Fatal().Err(err).Msg("Failed to load configuration")
	}

	interval := flag.Duration("interval", cfg.SyncInterval, "Period of the safety-net sync (or set LEDGER_SYNC_INTERVAL env)")
	flag.Parse()

	// Initialize logger
	log := logger.Component(logger.NewWithLevel(cfg.LogLevel), "worker")

	log.Info().Str("owner_id", cfg.OwnerID).Str("gateway", cfg.GatewayURL).Msg("Starting sync worker")

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	client, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open session")
	}

	scheduler := syncengine.NewScheduler(client.Session.Engine(), syncengine.SchedulerOptions{
		Interval: *interval,
		Monitor:  client.Monitor,
		OnSummary: func(s syncengine.Summary) {
			if s.Unauthorized {
				log.Error().Msg("Gateway rejected the credentials; check LEDGER_API_TOKEN")
			}
		},
		Logger: log,
	})

	if err := scheduler.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start sync scheduler")
	}
	client.Prober.Start(ctx)

	// Drain whatever a previous run left behind.
	if err := scheduler.Publish(ctx, syncengine.TriggerForeground); err != nil {
		log.Error().Err(err).Msg("Failed to queue initial sync")
	}

	log.Info().Int("pending", client.Session.PendingCount()).Msg("Sync worker started, waiting for triggers...")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down sync worker...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the scheduler and wait for the running pass
	if err := scheduler.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}

	cancel()

	if err := client.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close session")
	}

	log.Info().Int("pending", client.Session.PendingCount()).Msg("Sync worker exited")
}
