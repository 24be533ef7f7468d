// Package tracker is the entry point for UI code: one Session per logged-in
// user, owning the month cache, the mutation queue and the sync engine.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/offline-ledger/internal/cache"
	"github.com/dvloznov/offline-ledger/internal/categories"
	"github.com/dvloznov/offline-ledger/internal/connectivity"
	"github.com/dvloznov/offline-ledger/internal/domain"
	"github.com/dvloznov/offline-ledger/internal/gateway"
	"github.com/dvloznov/offline-ledger/internal/mutations"
	"github.com/dvloznov/offline-ledger/internal/projector"
	"github.com/dvloznov/offline-ledger/internal/storage"
	"github.com/dvloznov/offline-ledger/internal/syncengine"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrClosed is returned by every call on a closed session.
	ErrClosed = errors.New("session is closed")

	// ErrUnknownTransaction is returned when updating or deleting a record
	// the session has never seen.
	ErrUnknownTransaction = errors.New("unknown transaction")
)

// Options configures a Session.
type Options struct {
	// OwnerID is the logged-in user.
	OwnerID string
	// Store persists the mutation queue and the category snapshot.
	Store storage.KV
	// Gateway is the remote transaction API.
	Gateway gateway.Gateway
	// Monitor reports connectivity. Nil means always online.
	Monitor *connectivity.Monitor
	// MinSyncInterval is the minimum time between two sync passes.
	MinSyncInterval time.Duration
	// MaxAttempts is the retry ceiling for rejected mutations.
	MaxAttempts int
	// Now is the clock; defaults to time.Now.
	Now    func() time.Time
	Logger zerolog.Logger
}

// Session is the offline-first transaction API for one user. It is safe for
// concurrent use.
type Session struct {
	owner      string
	remote     gateway.Gateway
	monitor    *connectivity.Monitor
	queue      *mutations.Queue
	cache      *cache.MonthlyCache
	categories *categories.Store
	engine     *syncengine.Engine
	now        func() time.Time
	log        zerolog.Logger

	mu     sync.RWMutex
	viewed domain.MonthKey
	closed bool
}

// Open starts a session: it reloads the persisted queue and category
// snapshot. The current month is the viewed month until LoadMonth is called.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.OwnerID == "" {
		return nil, fmt.Errorf("tracker.Open: owner id is required")
	}
	if opts.Store == nil || opts.Gateway == nil {
		return nil, fmt.Errorf("tracker.Open: store and gateway are required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Monitor == nil {
		opts.Monitor = connectivity.NewMonitor(true, opts.Logger)
	}
	log := opts.Logger.With().Str("owner_id", opts.OwnerID).Logger()

	queue, err := mutations.Open(ctx, opts.Store, mutations.Options{
		MaxAttempts: opts.MaxAttempts,
		Now:         opts.Now,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("tracker.Open: %w", err)
	}

	cats, err := categories.Open(ctx, opts.Store, opts.Gateway, opts.OwnerID, log)
	if err != nil {
		return nil, fmt.Errorf("tracker.Open: %w", err)
	}

	s := &Session{
		owner:      opts.OwnerID,
		remote:     opts.Gateway,
		monitor:    opts.Monitor,
		queue:      queue,
		cache:      cache.New(opts.Gateway, log),
		categories: cats,
		now:        opts.Now,
		log:        log,
		viewed:     domain.CurrentMonth(opts.Now()),
	}
	s.engine = syncengine.New(queue, s.cache, opts.Gateway, opts.Monitor, syncengine.Options{
		OwnerID:     opts.OwnerID,
		MinInterval: opts.MinSyncInterval,
		ViewedMonth: func() (domain.MonthKey, bool) { return s.ViewedMonth(), true },
		Now:         opts.Now,
		Logger:      log,
	})

	if s.monitor.Online() {
		if err := cats.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to refresh categories, using snapshot")
		}
	}

	log.Info().Int("pending", queue.Count(opts.OwnerID)).Msg("Session opened")
	return s, nil
}

// Owner returns the session's user.
func (s *Session) Owner() string {
	return s.owner
}

// Engine exposes the sync engine so callers can drive it from a scheduler.
func (s *Session) Engine() *syncengine.Engine {
	return s.engine
}

// Monitor returns the connectivity monitor the session reads.
func (s *Session) Monitor() *connectivity.Monitor {
	return s.monitor
}

// LoadMonth makes the month the viewed one and fetches it. On failure the
// previously cached contents stay visible and the error is returned.
func (s *Session) LoadMonth(ctx context.Context, year int, month time.Month) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	key := domain.MonthKey{Year: year, Month: month}
	if !key.Valid() {
		return fmt.Errorf("LoadMonth: invalid month %d-%d", year, int(month))
	}

	s.mu.Lock()
	s.viewed = key
	s.mu.Unlock()

	return s.cache.LoadMonth(ctx, s.owner, key)
}

// ViewedMonth returns the month the combined view is computed for.
func (s *Session) ViewedMonth() domain.MonthKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewed
}

// AddTransaction records a new entry. It is queued durably, shown at once in
// the combined view, and sent right away when online. It only fails when the
// payload is invalid or the queue cannot be persisted. When the remote store
// confirms the entry right away the confirmed record is returned; otherwise the
// record carries the local id, which stays usable after the create syncs.
func (s *Session) AddTransaction(ctx context.Context, payload domain.Payload) (domain.TransactionRecord, error) {
	if err := s.checkOpen(); err != nil {
		return domain.TransactionRecord{}, err
	}
	if err := payload.Validate(); err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("AddTransaction: %w", err)
	}

	localID := domain.NewLocalID()
	res, err := s.queue.Enqueue(ctx, domain.OfflineMutation{
		Operation: domain.OpCreate,
		LocalID:   localID,
		Payload:   payload,
		OwnerID:   s.owner,
	})
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("AddTransaction: %w", err)
	}

	if s.engine.Push(ctx, res.Mutation.ID) {
		if serverID := s.queue.Resolve(localID); serverID != localID {
			if record, ok := s.cache.Find(serverID); ok {
				return record, nil
			}
		}
	}
	return payload.Record(localID, s.owner, res.Mutation.EnqueuedAt), nil
}

// UpdateTransaction replaces the fields of record id.
func (s *Session) UpdateTransaction(ctx context.Context, id string, payload domain.Payload) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("UpdateTransaction: %w", err)
	}

	id = s.queue.Resolve(id)
	if _, ok := s.lastKnown(id); !ok {
		return fmt.Errorf("UpdateTransaction %s: %w", id, ErrUnknownTransaction)
	}

	res, err := s.queue.Enqueue(ctx, domain.OfflineMutation{
		Operation: domain.OpUpdate,
		TargetID:  id,
		Payload:   payload,
		OwnerID:   s.owner,
	})
	if err != nil {
		return fmt.Errorf("UpdateTransaction: %w", err)
	}

	s.engine.Push(ctx, res.Mutation.ID)
	return nil
}

// DeleteTransaction removes record id. The record disappears from the
// combined view immediately.
func (s *Session) DeleteTransaction(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	id = s.queue.Resolve(id)
	last, ok := s.lastKnown(id)
	if !ok {
		return fmt.Errorf("DeleteTransaction %s: %w", id, ErrUnknownTransaction)
	}

	res, err := s.queue.Enqueue(ctx, domain.OfflineMutation{
		Operation: domain.OpDelete,
		TargetID:  id,
		Payload:   last,
		OwnerID:   s.owner,
	})
	if err != nil {
		return fmt.Errorf("DeleteTransaction: %w", err)
	}

	if !res.Removed {
		s.engine.Push(ctx, res.Mutation.ID)
	}
	return nil
}

// Sync runs a manual sync pass. Category names are refreshed after a pass
// that reached the remote store.
func (s *Session) Sync(ctx context.Context) (syncengine.Summary, error) {
	if err := s.checkOpen(); err != nil {
		return syncengine.Summary{}, err
	}

	summary, err := s.engine.Sync(ctx, syncengine.TriggerManual)
	if err != nil {
		return summary, fmt.Errorf("Sync: %w", err)
	}
	if !summary.Skipped && !summary.Aborted && s.monitor.Online() {
		if err := s.categories.Refresh(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Failed to refresh categories")
		}
	}
	return summary, nil
}

// CombinedView merges the viewed month's bucket with the queued mutations.
func (s *Session) CombinedView() projector.View {
	key := s.ViewedMonth()
	bucket, _ := s.cache.Bucket(key)
	return projector.Project(key, bucket.Transactions, s.queue.ListPending(s.owner))
}

// CombinedList returns the newest limit entries of the combined view; limit
// <= 0 returns all.
func (s *Session) CombinedList(limit int) []projector.Entry {
	return s.CombinedView().List(limit)
}

// CombinedTotal is income minus expense over the combined view.
func (s *Session) CombinedTotal() decimal.Decimal {
	return s.CombinedView().Total()
}

// CombinedTotals returns the per-kind sums of the combined view.
func (s *Session) CombinedTotals() projector.Totals {
	return s.CombinedView().Totals
}

// IsLoadingMonth reports whether the month is being fetched.
func (s *Session) IsLoadingMonth(year int, month time.Month) bool {
	return s.cache.IsLoading(domain.MonthKey{Year: year, Month: month})
}

// PendingCount is the number of mutations waiting to be synced.
func (s *Session) PendingCount() int {
	return s.queue.Count(s.owner)
}

// Online reports the connectivity monitor's state.
func (s *Session) Online() bool {
	return s.monitor.Online()
}

// FailedMutations returns the mutations that stopped retrying.
func (s *Session) FailedMutations() []domain.OfflineMutation {
	return s.queue.ListFailed(s.owner)
}

// RetryFailed puts a permanently failed mutation back in the queue.
func (s *Session) RetryFailed(ctx context.Context, mutationID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.queue.Retry(ctx, mutationID); err != nil {
		return fmt.Errorf("RetryFailed: %w", err)
	}
	s.engine.Push(ctx, mutationID)
	return nil
}

// DiscardFailed drops a permanently failed mutation; its change is lost.
func (s *Session) DiscardFailed(ctx context.Context, mutationID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.queue.Discard(ctx, mutationID); err != nil {
		return fmt.Errorf("DiscardFailed: %w", err)
	}
	return nil
}

// LastSummary returns the summary of the most recent sync pass.
func (s *Session) LastSummary() syncengine.Summary {
	return s.engine.LastSummary()
}

// CategoryName resolves a category id from the snapshot, falling back to the
// id itself.
func (s *Session) CategoryName(id string) string {
	return s.categories.Name(id)
}

// Categories returns the snapshot's categories.
func (s *Session) Categories() []domain.Category {
	return s.categories.All()
}

// Close ends the session and drops the in-memory cache. Queued mutations stay
// persisted for the next session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cache.Reset()
	s.log.Info().Msg("Session closed")
	return nil
}

// Logout closes the session and erases the user's local state, including
// mutations that were never synced.
func (s *Session) Logout(ctx context.Context) error {
	if err := s.queue.Clear(ctx); err != nil {
		return fmt.Errorf("Logout: %w", err)
	}
	if err := s.categories.Clear(ctx); err != nil {
		return fmt.Errorf("Logout: %w", err)
	}
	return s.Close()
}

func (s *Session) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// lastKnown returns the latest fields of record id, from the queue first and
// the cache second.
func (s *Session) lastKnown(id string) (domain.Payload, bool) {
	queued := append(s.queue.ListPending(s.owner), s.queue.ListFailed(s.owner)...)
	var (
		found  bool
		latest domain.OfflineMutation
	)
	for _, m := range queued {
		if m.Key() == id && (!found || m.Seq > latest.Seq) {
			latest, found = m, true
		}
	}
	if found {
		return latest.Payload, true
	}

	if r, ok := s.cache.Find(id); ok {
		return r.Payload(), true
	}
	return domain.Payload{}, false
}
