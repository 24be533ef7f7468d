// Package storage defines the durable key-value records the client keeps on
// the device: the offline mutation queue and the category snapshot.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// KV is a small durable key-value store. Each key holds one opaque record that
// is replaced as a whole on every Save.
type KV interface {
	// Load returns the record stored under key. found is false when the key
	// has never been written or was deleted.
	Load(ctx context.Context, key string) (data []byte, found bool, err error)

	// Save durably replaces the record stored under key.
	Save(ctx context.Context, key string, data []byte) error

	// Delete removes the record. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases resources held by the backend.
	Close() error
}

// Locker is implemented by backends that can be shared between processes.
// Lock blocks until the caller holds key exclusively or ctx is done; the
// returned func releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// WithLock runs fn while holding the lock on key. Backends that do not
// implement Locker run fn directly.
func WithLock(ctx context.Context, kv KV, key string, fn func() error) error {
	locker, ok := kv.(Locker)
	if !ok {
		return fn()
	}
	unlock, err := locker.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("WithLock: %s: %w", key, err)
	}
	defer unlock()
	return fn()
}

// LoadJSON decodes the record under key into dest.
func LoadJSON(ctx context.Context, kv KV, key string, dest interface{}) (bool, error) {
	data, found, err := kv.Load(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("LoadJSON: decoding %s: %w", key, err)
	}
	return true, nil
}

// SaveJSON encodes value and stores it under key.
func SaveJSON(ctx context.Context, kv KV, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("SaveJSON: encoding %s: %w", key, err)
	}
	return kv.Save(ctx, key, data)
}
