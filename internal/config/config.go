// Package config loads runtime settings from the environment and an optional
// .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends for the durable mutation queue.
const (
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds the settings shared by the commands.
type Config struct {
	// GatewayURL is the base URL of the remote transaction API.
	GatewayURL string
	// OwnerID is the acting user.
	OwnerID string
	// APIToken is sent as a bearer token when set.
	APIToken string

	// Store selects the durable backend: file, redis or memory.
	Store string
	// StateDir holds the file backend's records.
	StateDir string
	// RedisURL is used by the redis backend.
	RedisURL string

	// MinSyncInterval is the minimum time between two sync passes.
	MinSyncInterval time.Duration
	// MaxAttempts is the retry ceiling for rejected mutations.
	MaxAttempts int
	// ProbeInterval is how often connectivity is checked.
	ProbeInterval time.Duration
	// SyncInterval is the period of the safety-net sync trigger. Zero disables it.
	SyncInterval time.Duration
	// RequestTimeout bounds each gateway call.
	RequestTimeout time.Duration

	// LogLevel is a zerolog level name.
	LogLevel string

	// DatabaseURL is the postgres DSN of the reference server.
	DatabaseURL string
	// Port is the reference server's listen port.
	Port string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		GatewayURL:      "http://localhost:8080",
		Store:           StoreFile,
		StateDir:        defaultStateDir(),
		RedisURL:        "localhost:6379",
		MinSyncInterval: 5 * time.Second,
		MaxAttempts:     10,
		ProbeInterval:   15 * time.Second,
		SyncInterval:    2 * time.Minute,
		RequestTimeout:  10 * time.Second,
		LogLevel:        "info",
		Port:            "8080",
	}
}

// Load reads .env (if present) and the environment on top of Default.
func Load() (Config, error) {
	// A missing .env file is the normal case outside development.
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function such as os.Getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Default()

	setString(&cfg.GatewayURL, getenv("LEDGER_GATEWAY_URL"))
	setString(&cfg.OwnerID, getenv("LEDGER_OWNER_ID"))
	setString(&cfg.APIToken, getenv("LEDGER_API_TOKEN"))
	setString(&cfg.Store, strings.ToLower(getenv("LEDGER_STORE")))
	setString(&cfg.StateDir, getenv("LEDGER_STATE_DIR"))
	setString(&cfg.RedisURL, getenv("REDIS_URL"))
	setString(&cfg.LogLevel, getenv("LEDGER_LOG_LEVEL"))
	setString(&cfg.DatabaseURL, getenv("DATABASE_URL"))
	setString(&cfg.Port, getenv("PORT"))

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"LEDGER_MIN_SYNC_INTERVAL", &cfg.MinSyncInterval},
		{"LEDGER_PROBE_INTERVAL", &cfg.ProbeInterval},
		{"LEDGER_SYNC_INTERVAL", &cfg.SyncInterval},
		{"LEDGER_REQUEST_TIMEOUT", &cfg.RequestTimeout},
	}
	for _, d := range durations {
		v := strings.TrimSpace(getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 {
			return Config{}, fmt.Errorf("config: %s: invalid duration %q", d.key, v)
		}
		*d.dst = parsed
	}

	if v := strings.TrimSpace(getenv("LEDGER_MAX_ATTEMPTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("config: LEDGER_MAX_ATTEMPTS: invalid value %q", v)
		}
		cfg.MaxAttempts = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that have no safe default.
func (c Config) Validate() error {
	switch c.Store {
	case StoreFile, StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store)
	}
	if c.Store == StoreFile && c.StateDir == "" {
		return fmt.Errorf("config: LEDGER_STATE_DIR is required for the file store")
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".offline-ledger"
	}
	return filepath.Join(home, ".offline-ledger")
}
