package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/dvloznov/offline-ledger/internal/storage"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "offline-ledger:"

const (
	// lockTTL bounds how long a crashed holder keeps a key locked.
	lockTTL = 30 * time.Second
	// lockRetry is the backoff between attempts to obtain a held lock.
	lockRetry = 50 * time.Millisecond
)

// Store keeps records as plain redis strings. Records never expire; they are
// removed explicitly once synced.
type Store struct {
	client *goredis.Client
	locker *redislock.Client
	prefix string
}

// Connect parses url ("redis://host:port/db" or a bare "host:port"), pings the
// server and returns a store.
func Connect(ctx context.Context, url, prefix string) (*Store, error) {
	opt, err := goredis.ParseURL(url)
	if err != nil {
		if strings.Contains(url, "://") {
			return nil, fmt.Errorf("Connect: parsing redis url: %w", err)
		}
		// Fallback to simple connection
		opt = &goredis.Options{Addr: url}
	}

	client := goredis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Connect: failed to connect to redis: %w", err)
	}

	return NewStore(client, prefix), nil
}

// NewStore wraps an existing client.
func NewStore(client *goredis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, locker: redislock.New(client), prefix: prefix}
}

// Load implements the KV interface.
func (s *Store) Load(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Load: %s: %w", key, err)
	}
	return data, true, nil
}

// Save implements the KV interface.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("Save: %s: %w", key, err)
	}
	return nil
}

// Delete implements the KV interface.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("Delete: %s: %w", key, err)
	}
	return nil
}

// Lock implements storage.Locker with a redis lock, so every client of the
// same server and prefix is serialized.
func (s *Store) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := s.locker.Obtain(ctx, s.prefix+"lock:"+key, lockTTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(lockRetry),
	})
	if err != nil {
		return nil, fmt.Errorf("Lock: %s: %w", key, err)
	}
	return func() {
		// A fresh context so a cancelled caller still releases the key.
		lock.Release(context.Background())
	}, nil
}

// Close implements the KV interface.
func (s *Store) Close() error {
	return s.client.Close()
}

var (
	_ storage.KV     = (*Store)(nil)
	_ storage.Locker = (*Store)(nil)
)
