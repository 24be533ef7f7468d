// Package app wires a tracker session from configuration for the client
// commands.
package app

import (
	"context"
	"fmt"

	"github.com/dvloznov/offline-ledger/internal/config"
	"github.com/dvloznov/offline-ledger/internal/connectivity"
	"github.com/dvloznov/offline-ledger/internal/gateway/httpgw"
	"github.com/dvloznov/offline-ledger/internal/storage"
	"github.com/dvloznov/offline-ledger/internal/storage/file"
	"github.com/dvloznov/offline-ledger/internal/storage/memory"
	"github.com/dvloznov/offline-ledger/internal/storage/redis"
	"github.com/dvloznov/offline-ledger/internal/tracker"
	"github.com/rs/zerolog"
)

// Client bundles a session with the pieces the commands drive directly.
type Client struct {
	Session *tracker.Session
	Gateway *httpgw.Client
	Monitor *connectivity.Monitor
	Prober  *connectivity.Prober
	Store   storage.KV
}

// OpenStore returns the durable backend selected by cfg.Store.
func OpenStore(ctx context.Context, cfg config.Config) (storage.KV, error) {
	switch cfg.Store {
	case config.StoreFile:
		s, err := file.NewStore(cfg.StateDir)
		if err != nil {
			return nil, fmt.Errorf("OpenStore: %w", err)
		}
		return s, nil
	case config.StoreRedis:
		s, err := redis.Connect(ctx, cfg.RedisURL, "")
		if err != nil {
			return nil, fmt.Errorf("OpenStore: %w", err)
		}
		return s, nil
	case config.StoreMemory:
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("OpenStore: unknown store backend %q", cfg.Store)
	}
}

// Open connects to the store, probes the gateway once so the session starts
// with the right connectivity, and opens the owner's session.
func Open(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Client, error) {
	if cfg.OwnerID == "" {
		return nil, fmt.Errorf("app.Open: LEDGER_OWNER_ID is required")
	}

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("app.Open: %w", err)
	}

	opts := []httpgw.Option{httpgw.WithTimeout(cfg.RequestTimeout)}
	if cfg.APIToken != "" {
		opts = append(opts, httpgw.WithToken(cfg.APIToken))
	}
	gw, err := httpgw.NewClient(cfg.GatewayURL, opts...)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("app.Open: %w", err)
	}

	monitor := connectivity.NewMonitor(false, log)
	prober := connectivity.NewProber(gw, monitor, cfg.ProbeInterval, log)
	prober.Probe(ctx)

	session, err := tracker.Open(ctx, tracker.Options{
		OwnerID:         cfg.OwnerID,
		Store:           store,
		Gateway:         gw,
		Monitor:         monitor,
		MinSyncInterval: cfg.MinSyncInterval,
		MaxAttempts:     cfg.MaxAttempts,
		Logger:          log,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("app.Open: %w", err)
	}

	return &Client{
		Session: session,
		Gateway: gw,
		Monitor: monitor,
		Prober:  prober,
		Store:   store,
	}, nil
}

// Close stops probing, closes the session and releases the store.
func (c *Client) Close() error {
	c.Prober.Stop()
	if err := c.Session.Close(); err != nil {
		c.Store.Close()
		return err
	}
	return c.Store.Close()
}
