package app

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/offline-ledger/internal/api/handlers"
	"github.com/dvloznov/offline-ledger/internal/config"
	"github.com/dvloznov/offline-ledger/internal/domain"
	"github.com/dvloznov/offline-ledger/internal/gateway/memory"
	"github.com/dvloznov/offline-ledger/internal/logger"
	"github.com/shopspring/decimal"
)

func testConfig(t *testing.T, gatewayURL string) config.Config {
	cfg := config.Default()
	cfg.GatewayURL = gatewayURL
	cfg.OwnerID = "alice"
	cfg.APIToken = "secret"
	cfg.Store = config.StoreFile
	cfg.StateDir = t.TempDir()
	cfg.ProbeInterval = time.Second
	cfg.RequestTimeout = time.Second
	return cfg
}

func TestOpenStore(t *testing.T) {
	tests := []struct {
		name    string
		store   string
		wantErr bool
	}{
		{"memory", config.StoreMemory, false},
		{"file", config.StoreFile, false},
		{"unknown", "sqlite", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Store = tt.store
			cfg.StateDir = t.TempDir()

			kv, err := OpenStore(context.Background(), cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("OpenStore() error = %v, wantErr %v", err, tt.wantErr)
			}
			if kv != nil {
				kv.Close()
			}
		})
	}
}

func TestOpen_SyncsThroughServer(t *testing.T) {
	ctx := context.Background()
	remote := memory.New()
	srv := httptest.NewServer(handlers.NewRouter(remote, "secret", logger.Nop()))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	client, err := Open(ctx, cfg, logger.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !client.Monitor.Online() {
		t.Fatal("client should be online after the initial probe")
	}

	_, err = client.Session.AddTransaction(ctx, domain.Payload{
		Kind:        domain.KindIncome,
		Amount:      decimal.NewFromInt(100),
		Description: "Salary",
		CategoryID:  "salary",
		Date:        civil.DateOf(time.Now()),
	})
	if err != nil {
		t.Fatalf("AddTransaction failed: %v", err)
	}
	if got := len(remote.Records("alice")); got != 1 {
		t.Errorf("remote has %d records, want 1", got)
	}
	if name := client.Session.CategoryName("salary"); name != "Salary" {
		t.Errorf("CategoryName = %q", name)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestOpen_OfflineQueuesUntilServerReturns(t *testing.T) {
	ctx := context.Background()
	remote := memory.New()
	srv := httptest.NewServer(handlers.NewRouter(remote, "secret", logger.Nop()))
	url := srv.URL
	srv.Close()

	cfg := testConfig(t, url)
	client, err := Open(ctx, cfg, logger.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if client.Monitor.Online() {
		t.Fatal("client should start offline")
	}
	if _, err := client.Session.AddTransaction(ctx, domain.Payload{
		Kind:        domain.KindExpense,
		Amount:      decimal.NewFromInt(5),
		Description: "Coffee",
		Date:        civil.DateOf(time.Now()),
	}); err != nil {
		t.Fatalf("AddTransaction failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The file store keeps the mutation for the next process.
	reopened, err := Open(ctx, cfg, logger.Nop())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	if got := reopened.Session.PendingCount(); got != 1 {
		t.Errorf("PendingCount = %d, want 1", got)
	}
}

func TestOpen_RequiresOwner(t *testing.T) {
	cfg := testConfig(t, "http://localhost:1")
	cfg.OwnerID = ""
	if _, err := Open(context.Background(), cfg, logger.Nop()); err == nil {
		t.Fatal("expected error without owner")
	}
}
