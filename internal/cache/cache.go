// Package cache keeps the confirmed remote transactions grouped by calendar
// month.
package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/offline-ledger/internal/domain"
	"github.com/dvloznov/offline-ledger/internal/gateway"
	"github.com/rs/zerolog"
)

// MonthlyCache holds one bucket per month. It only ever contains state the
// remote store has confirmed; pending changes live in the mutation queue.
// It is safe for concurrent use.
type MonthlyCache struct {
	mu      sync.RWMutex
	remote  gateway.Gateway
	buckets map[domain.MonthKey]*domain.MonthBucket
	now     func() time.Time
	log     zerolog.Logger

	// gen counts local writes. While loads are in flight every write is also
	// journaled so a load can replay what happened after its fetch started.
	gen     uint64
	loading int
	journal []change
}

// change is one local write: an upsert when record is set, else a removal.
type change struct {
	gen    uint64
	id     string
	record *domain.TransactionRecord
}

// New creates an empty cache that loads months from remote.
func New(remote gateway.Gateway, log zerolog.Logger) *MonthlyCache {
	return &MonthlyCache{
		remote:  remote,
		buckets: make(map[domain.MonthKey]*domain.MonthBucket),
		now:     time.Now,
		log:     log,
	}
}

// LoadMonth fetches the owner's records for key and replaces the bucket.
// When the fetch fails the previous contents are kept and the error returned.
func (c *MonthlyCache) LoadMonth(ctx context.Context, ownerID string, key domain.MonthKey) error {
	if !key.Valid() {
		return fmt.Errorf("LoadMonth: invalid month %s", key)
	}

	c.mu.Lock()
	c.bucketLocked(key).IsLoading = true
	c.loading++
	startGen := c.gen
	c.mu.Unlock()

	records, err := c.remote.ListForMonth(ctx, ownerID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	later := c.changesSince(startGen)
	c.loading--
	if c.loading == 0 {
		c.journal = nil
	}

	b := c.bucketLocked(key)
	b.IsLoading = false
	if err != nil {
		c.log.Warn().Err(err).Str("owner_id", ownerID).Str("month", key.String()).Msg("Failed to load month")
		return fmt.Errorf("LoadMonth %s: %w", key, err)
	}

	// The server should only return the requested month; anything else is
	// routed to the bucket its date belongs to.
	touched := make(map[string]bool, len(later))
	for _, ch := range later {
		touched[ch.id] = true
	}
	kept := make([]domain.TransactionRecord, 0, len(records))
	for _, r := range records {
		if key.Contains(r.Date) {
			kept = append(kept, r)
			continue
		}
		c.log.Warn().Str("transaction_id", r.ID).Str("month", key.String()).Msg("Record outside requested month")
		if touched[r.ID] {
			continue
		}
		c.removeLocked(r.ID)
		c.insertLocked(r)
	}

	// Writes made while the fetch was in flight are newer than the fetched
	// list.
	for _, ch := range later {
		kept = without(kept, ch.id)
		if ch.record != nil && key.Contains(ch.record.Date) {
			kept = append(kept, *ch.record)
		}
	}
	if len(later) > 0 {
		c.log.Debug().Str("month", key.String()).Int("changes", len(later)).Msg("Replayed local writes onto loaded month")
	}
	for _, r := range kept {
		// Drop stale copies held in other months after a remote date change.
		c.removeLocked(r.ID)
	}
	domain.SortNewestFirst(kept)

	b.Transactions = kept
	b.Loaded = true
	b.LastLoadedAt = c.now().UTC()

	c.log.Debug().Str("owner_id", ownerID).Str("month", key.String()).Int("count", len(kept)).Msg("Month loaded")
	return nil
}

// UpsertIntoBucket stores a confirmed record in the bucket of its date,
// removing any copy of it from other buckets first.
func (c *MonthlyCache) UpsertIntoBucket(record domain.TransactionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.journalLocked(change{id: record.ID, record: &record})
	c.removeLocked(record.ID)
	c.insertLocked(record)
}

// RemoveFromAllBuckets drops the record with id everywhere and reports
// whether anything was removed.
func (c *MonthlyCache) RemoveFromAllBuckets(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.journalLocked(change{id: id})
	return c.removeLocked(id)
}

// Bucket returns a copy of the bucket for key.
func (c *MonthlyCache) Bucket(key domain.MonthKey) (domain.MonthBucket, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.buckets[key]
	if !ok {
		return domain.MonthBucket{Key: key}, false
	}
	out := *b
	out.Transactions = make([]domain.TransactionRecord, len(b.Transactions))
	copy(out.Transactions, b.Transactions)
	return out, true
}

// IsLoading reports whether a load for key is in progress.
func (c *MonthlyCache) IsLoading(key domain.MonthKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.buckets[key]
	return ok && b.IsLoading
}

// LoadedMonths returns the months that have been fetched at least once,
// oldest first.
func (c *MonthlyCache) LoadedMonths() []domain.MonthKey {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []domain.MonthKey
	for key, b := range c.buckets {
		if b.Loaded {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			return out[i].Year < out[j].Year
		}
		return out[i].Month < out[j].Month
	})
	return out
}

// Find returns the cached record with id.
func (c *MonthlyCache) Find(id string) (domain.TransactionRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, b := range c.buckets {
		for _, r := range b.Transactions {
			if r.ID == id {
				return r, true
			}
		}
	}
	return domain.TransactionRecord{}, false
}

// Reset drops every bucket.
func (c *MonthlyCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets = make(map[domain.MonthKey]*domain.MonthBucket)
}

func (c *MonthlyCache) journalLocked(ch change) {
	c.gen++
	if c.loading == 0 {
		return
	}
	ch.gen = c.gen
	c.journal = append(c.journal, ch)
}

func (c *MonthlyCache) changesSince(gen uint64) []change {
	for i, ch := range c.journal {
		if ch.gen > gen {
			return c.journal[i:]
		}
	}
	return nil
}

func without(records []domain.TransactionRecord, id string) []domain.TransactionRecord {
	out := records[:0]
	for _, r := range records {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

func (c *MonthlyCache) bucketLocked(key domain.MonthKey) *domain.MonthBucket {
	b, ok := c.buckets[key]
	if !ok {
		b = &domain.MonthBucket{Key: key}
		c.buckets[key] = b
	}
	return b
}

func (c *MonthlyCache) insertLocked(record domain.TransactionRecord) {
	b := c.bucketLocked(record.Month())
	b.Transactions = append(b.Transactions, record)
	domain.SortNewestFirst(b.Transactions)
}

func (c *MonthlyCache) removeLocked(id string) bool {
	removed := false
	for _, b := range c.buckets {
		kept := b.Transactions[:0]
		for _, r := range b.Transactions {
			if r.ID == id {
				removed = true
				continue
			}
			kept = append(kept, r)
		}
		b.Transactions = kept
	}
	return removed
}
