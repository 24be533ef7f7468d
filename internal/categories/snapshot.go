// Package categories keeps a local copy of the owner's categories so names
// resolve while offline.
package categories

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/offline-ledger/internal/domain"
	"github.com/dvloznov/offline-ledger/internal/gateway"
	"github.com/dvloznov/offline-ledger/internal/storage"
	"github.com/rs/zerolog"
)

// KeyPrefix prefixes the storage key of each owner's snapshot.
const KeyPrefix = "categories:"

// Snapshot is the persisted form.
type Snapshot struct {
	Categories  []domain.Category `json:"categories"`
	RefreshedAt time.Time         `json:"refreshed_at"`
}

// Store serves category lookups from the last snapshot.
type Store struct {
	kv     storage.KV
	remote gateway.Gateway
	owner  string
	now    func() time.Time
	log    zerolog.Logger

	mu   sync.RWMutex
	snap Snapshot
	byID map[string]domain.Category
}

// Open loads the owner's snapshot from kv. A missing snapshot is empty.
func Open(ctx context.Context, kv storage.KV, remote gateway.Gateway, ownerID string, log zerolog.Logger) (*Store, error) {
	s := &Store{
		kv:     kv,
		remote: remote,
		owner:  ownerID,
		now:    time.Now,
		log:    log,
	}

	var snap Snapshot
	if _, err := storage.LoadJSON(ctx, kv, s.key(), &snap); err != nil {
		return nil, fmt.Errorf("categories.Open: %w", err)
	}
	s.set(snap)
	return s, nil
}

// Refresh fetches the categories from the remote store and persists them.
// On failure the previous snapshot stays in use.
func (s *Store) Refresh(ctx context.Context) error {
	list, err := s.remote.ListCategories(ctx, s.owner)
	if err != nil {
		return fmt.Errorf("Refresh: %w", err)
	}

	snap := Snapshot{Categories: list, RefreshedAt: s.now().UTC()}
	if err := storage.SaveJSON(ctx, s.kv, s.key(), snap); err != nil {
		return fmt.Errorf("Refresh: %w", err)
	}
	s.set(snap)

	s.log.Debug().Str("owner_id", s.owner).Int("count", len(list)).Msg("Categories refreshed")
	return nil
}

// Lookup returns the category with id.
func (s *Store) Lookup(id string) (domain.Category, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	return c, ok
}

// Name returns the display name of id, or id itself when unknown.
func (s *Store) Name(id string) string {
	if c, ok := s.Lookup(id); ok {
		return c.Name
	}
	return id
}

// All returns the snapshot's categories.
func (s *Store) All() []domain.Category {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Category, len(s.snap.Categories))
	copy(out, s.snap.Categories)
	return out
}

// RefreshedAt is when the snapshot was last fetched; zero if never.
func (s *Store) RefreshedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.RefreshedAt
}

// Clear drops the snapshot locally and in storage.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, s.key()); err != nil {
		return fmt.Errorf("categories.Clear: %w", err)
	}
	s.set(Snapshot{})
	return nil
}

func (s *Store) key() string {
	return KeyPrefix + s.owner
}

func (s *Store) set(snap Snapshot) {
	byID := make(map[string]domain.Category, len(snap.Categories))
	for _, c := range snap.Categories {
		byID[c.ID] = c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	s.byID = byID
}
