package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/offline-ledger/internal/api/handlers"
	"github.com/dvloznov/offline-ledger/internal/config"
	"github.com/dvloznov/offline-ledger/internal/gateway"
	"github.com/dvloznov/offline-ledger/internal/gateway/memory"
	"github.com/dvloznov/offline-ledger/internal/gateway/postgres"
	"github.com/dvloznov/offline-ledger/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatal := logger.New()
		fatal.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Parse command-line flags
	var (
		port        = flag.String("port", cfg.Port, "HTTP server port (or set PORT env)")
		databaseURL = flag.String("database-url", cfg.DatabaseURL, "Postgres DSN; empty serves from memory (or set DATABASE_URL env)")
		token       = flag.String("token", cfg.APIToken, "Bearer token required from clients (or set LEDGER_API_TOKEN env)")
	)
	flag.Parse()

	log := logger.NewWithLevel(cfg.LogLevel)
	ctx := context.Background()

	// Initialize the authoritative store
	var store gateway.Gateway
	if *databaseURL != "" {
		db, err := postgres.OpenDB(ctx, *databaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		pg := postgres.New(db)
		defer pg.Close()
		store = pg
		log.Info().Msg("Serving transactions from postgres")
	} else {
		store = memory.New()
		log.Warn().Msg("No database configured - transactions are kept in memory")
	}

	if *token == "" {
		log.Warn().Msg("No API token configured - requests are not authenticated")
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      handlers.NewRouter(store, *token, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", *port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}
