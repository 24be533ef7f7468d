package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/dvloznov/offline-ledger/internal/storage"
)

// Store is an in-memory implementation of storage.KV.
// It is safe for concurrent use. Data is lost on restart, so it only backs
// tests and throwaway sessions; use the file or redis store for durability.
type Store struct {
	mu      sync.RWMutex
	records map[string][]byte

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	// failSave, when set, is returned by Save instead of storing the record.
	failSave error
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		records: make(map[string][]byte),
		locks:   make(map[string]chan struct{}),
	}
}

// Load implements the KV interface.
func (s *Store) Load(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.records[key]
	if !exists {
		return nil, false, nil
	}

	// Return a copy to avoid external modifications
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

// Save implements the KV interface.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failSave != nil {
		return s.failSave
	}

	// Store a copy so later writes to data do not leak in
	stored := make([]byte, len(data))
	copy(stored, data)
	s.records[key] = stored

	return nil
}

// Delete implements the KV interface.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

// SetFailSave makes every Save return err until called again with nil.
// Tests use it to simulate a full or read-only disk.
func (s *Store) SetFailSave(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSave = err
}

// Lock implements storage.Locker. Holders of the same key are serialized
// within the process.
func (s *Store) Lock(ctx context.Context, key string) (func(), error) {
	s.locksMu.Lock()
	held, ok := s.locks[key]
	if !ok {
		held = make(chan struct{}, 1)
		s.locks[key] = held
	}
	s.locksMu.Unlock()

	select {
	case held <- struct{}{}:
		return func() { <-held }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements the KV interface.
func (s *Store) Close() error {
	return nil
}

// Ensure Store implements KV interface.
var (
	_ storage.KV     = (*Store)(nil)
	_ storage.Locker = (*Store)(nil)
)
