// Package mutations is the durable queue of offline changes waiting to be
// replayed against the remote store.
package mutations

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/offline-ledger/internal/domain"
	"github.com/dvloznov/offline-ledger/internal/gateway"
	"github.com/dvloznov/offline-ledger/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// QueueKey is the storage key holding the whole queue.
const QueueKey = "offline_mutations"

// DefaultMaxAttempts is the retry ceiling used when Options leaves it unset.
const DefaultMaxAttempts = 10

// DefaultLeaseTTL is how long an in-flight mark holds when Options leaves it
// unset. A process that dies mid-replay releases its mutations after this.
const DefaultLeaseTTL = 2 * time.Minute

// maxAliases caps the remembered local to server id rebinds.
const maxAliases = 256

var (
	// ErrNotFound is returned for an unknown mutation id.
	ErrNotFound = errors.New("mutation not found")

	// ErrNotFailed is returned by Retry and Discard for a mutation that is
	// not permanently failed.
	ErrNotFailed = errors.New("mutation is not permanently failed")

	// ErrInFlight is returned by MarkInFlight when another queue holds the
	// mutation.
	ErrInFlight = errors.New("mutation is in flight elsewhere")
)

// Options configures a Queue.
type Options struct {
	// MaxAttempts is how many retryable rejections a mutation survives
	// before it is marked permanently failed.
	MaxAttempts int
	// LeaseTTL bounds how long MarkInFlight holds a mutation.
	LeaseTTL time.Duration
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
	// Logger receives queue events.
	Logger zerolog.Logger
}

// EnqueueResult describes what Enqueue did with a mutation.
type EnqueueResult struct {
	// Mutation is the queued mutation after collapsing. It is zero when
	// Removed is true.
	Mutation domain.OfflineMutation
	// Collapsed is true when the change was folded into an existing mutation.
	Collapsed bool
	// Removed is true when the change cancelled a queued create and nothing
	// is left to send.
	Removed bool
}

// persisted is the on-disk shape of the queue.
type persisted struct {
	Mutations []domain.OfflineMutation `json:"mutations"`
	NextSeq   int64                    `json:"next_seq"`
	Leases    map[string]lease         `json:"leases,omitempty"`
	Aliases   []alias                  `json:"aliases,omitempty"`
}

// lease marks a mutation as being replayed by one queue.
type lease struct {
	Holder string    `json:"holder"`
	Until  time.Time `json:"until"`
}

// alias records that a local id was confirmed under a server id.
type alias struct {
	LocalID  string `json:"local_id"`
	ServerID string `json:"server_id"`
}

// Queue is the durable, ordered log of offline mutations. The backing store
// is the source of truth: every operation reloads it, and every change is
// written through under the store's lock before it is visible, so several
// processes may share one store. When a write fails the change is rolled back
// and the error returned.
// It is safe for concurrent use.
type Queue struct {
	mu          sync.Mutex
	kv          storage.KV
	holder      string
	items       []domain.OfflineMutation
	leases      map[string]lease
	aliases     []alias
	nextSeq     int64
	maxAttempts int
	leaseTTL    time.Duration
	now         func() time.Time
	log         zerolog.Logger
}

// state is a copy of the queue's mutable fields.
type state struct {
	items   []domain.OfflineMutation
	leases  map[string]lease
	aliases []alias
	nextSeq int64
}

// Open loads the queue persisted in kv, or starts an empty one.
func Open(ctx context.Context, kv storage.KV, opts Options) (*Queue, error) {
	q := &Queue{
		kv:          kv,
		holder:      uuid.New().String(),
		leases:      make(map[string]lease),
		maxAttempts: opts.MaxAttempts,
		leaseTTL:    opts.LeaseTTL,
		now:         opts.Now,
		log:         opts.Logger,
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}
	if q.leaseTTL <= 0 {
		q.leaseTTL = DefaultLeaseTTL
	}
	if q.now == nil {
		q.now = time.Now
	}

	if err := q.reload(ctx); err != nil {
		return nil, fmt.Errorf("Open: loading queue: %w", err)
	}

	q.log.Debug().Int("count", len(q.items)).Msg("Mutation queue loaded")
	return q, nil
}

// Enqueue adds m to the queue, collapsing it into the latest queued mutation
// for the same record unless that one is in flight.
func (q *Queue) Enqueue(ctx context.Context, m domain.OfflineMutation) (EnqueueResult, error) {
	if err := validate(m); err != nil {
		return EnqueueResult{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var result EnqueueResult
	err := q.update(ctx, func() (bool, error) {
		idx := q.latestFor(m.OwnerID, m.Key())
		if idx >= 0 && q.items[idx].Operation == domain.OpDelete {
			return false, fmt.Errorf("%s: %w", m.Key(), ErrTargetDeleted)
		}

		if idx >= 0 && !q.leased(q.items[idx].ID) {
			merged, keep, err := Collapse(q.items[idx], m)
			if err != nil {
				return false, err
			}
			if keep {
				q.items[idx] = merged
				result = EnqueueResult{Mutation: merged, Collapsed: true}
			} else {
				// A create that never reached the server leaves nothing behind.
				localID := q.items[idx].LocalID
				q.items = append(q.items[:idx], q.items[idx+1:]...)
				q.dropDependents(localID)
				result = EnqueueResult{Removed: true}
			}
			return true, nil
		}

		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.EnqueuedAt.IsZero() {
			m.EnqueuedAt = q.now().UTC()
		}
		m.Synced = false
		m.Status = domain.MutationPending
		m.Attempts = 0
		m.LastError = ""
		m.LastAttemptAt = nil
		m.Seq = q.nextSeq
		q.nextSeq++
		q.items = append(q.items, m)
		result = EnqueueResult{Mutation: m}
		return true, nil
	})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("Enqueue: %w", err)
	}

	q.log.Debug().
		Str("owner_id", m.OwnerID).
		Str("operation", string(m.Operation)).
		Str("record_id", m.Key()).
		Bool("collapsed", result.Collapsed).
		Bool("removed", result.Removed).
		Msg("Mutation enqueued")
	return result, nil
}

// ListPending returns the owner's mutations waiting to be replayed, oldest
// first. An empty ownerID lists every owner.
func (q *Queue) ListPending(ownerID string) []domain.OfflineMutation {
	return q.list(ownerID, func(m domain.OfflineMutation) bool { return m.Pending() })
}

// ListFailed returns the owner's permanently failed mutations, oldest first.
func (q *Queue) ListFailed(ownerID string) []domain.OfflineMutation {
	return q.list(ownerID, func(m domain.OfflineMutation) bool {
		return !m.Synced && m.Status == domain.MutationPermanentlyFailed
	})
}

// Get returns the mutation with the given id.
func (q *Queue) Get(id string) (domain.OfflineMutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.refresh()
	if i := q.indexOf(id); i >= 0 {
		return q.items[i], true
	}
	return domain.OfflineMutation{}, false
}

// MarkInFlight leases id to this queue while it is replayed. While leased the
// mutation is never collapsed into, and other queues sharing the store get
// ErrInFlight until the lease is released or expires.
func (q *Queue) MarkInFlight(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.update(ctx, func() (bool, error) {
		if q.indexOf(id) < 0 {
			return false, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		if l, ok := q.leases[id]; ok && l.Holder != q.holder {
			return false, fmt.Errorf("%s: %w", id, ErrInFlight)
		}
		q.leases[id] = lease{Holder: q.holder, Until: q.now().UTC().Add(q.leaseTTL)}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("MarkInFlight: %w", err)
	}
	return nil
}

// InFlight reports whether id is being replayed by any queue sharing the
// store.
func (q *Queue) InFlight(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.refresh()
	return q.leased(id)
}

// MarkSynced removes a mutation the remote store has confirmed.
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.update(ctx, func() (bool, error) {
		i := q.indexOf(id)
		if i < 0 {
			return false, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		delete(q.leases, id)
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("MarkSynced: %w", err)
	}
	return nil
}

// MarkFailed annotates a failed replay. Transport failures leave the attempt
// count alone, retryable rejections consume one attempt and permanent
// rejections stop retrying at once. The updated mutation is returned.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error, class gateway.FailureClass) (domain.OfflineMutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var updated domain.OfflineMutation
	err := q.update(ctx, func() (bool, error) {
		i := q.indexOf(id)
		if i < 0 {
			return false, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		delete(q.leases, id)

		m := &q.items[i]
		now := q.now().UTC()
		m.LastAttemptAt = &now
		if cause != nil {
			m.LastError = cause.Error()
		}

		switch class {
		case gateway.Transport:
		case gateway.Retryable:
			m.Attempts++
			if m.Attempts >= q.maxAttempts {
				m.Status = domain.MutationPermanentlyFailed
			}
		case gateway.Permanent:
			m.Attempts++
			m.Status = domain.MutationPermanentlyFailed
		}
		updated = *m
		return true, nil
	})
	if err != nil {
		return domain.OfflineMutation{}, fmt.Errorf("MarkFailed: %w", err)
	}

	if updated.Status == domain.MutationPermanentlyFailed {
		q.log.Warn().
			Str("mutation_id", id).
			Str("owner_id", updated.OwnerID).
			Int("attempts", updated.Attempts).
			Str("error", updated.LastError).
			Msg("Mutation permanently failed")
	}
	return updated, nil
}

// Rebind points queued mutations that target localID at serverID once the
// create has been confirmed, and remembers the pair for Resolve.
func (q *Queue) Rebind(ctx context.Context, localID, serverID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	changed := 0
	err := q.update(ctx, func() (bool, error) {
		q.aliases = append(q.aliases, alias{LocalID: localID, ServerID: serverID})
		if len(q.aliases) > maxAliases {
			q.aliases = q.aliases[len(q.aliases)-maxAliases:]
		}
		for i := range q.items {
			if q.items[i].TargetID == localID {
				q.items[i].TargetID = serverID
				changed++
			}
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("Rebind: %w", err)
	}
	if changed > 0 {
		q.log.Debug().Str("local_id", localID).Str("server_id", serverID).Int("count", changed).Msg("Mutations rebound")
	}
	return nil
}

// Resolve returns the server id a local id was rebound to, or id itself.
// Rebinds survive restarts and are shared by every queue on the store.
func (q *Queue) Resolve(id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.refresh()
	for i := len(q.aliases) - 1; i >= 0; i-- {
		if q.aliases[i].LocalID == id {
			return q.aliases[i].ServerID
		}
	}
	return id
}

// Retry resets a permanently failed mutation so the next pass replays it.
func (q *Queue) Retry(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.update(ctx, func() (bool, error) {
		i := q.indexOf(id)
		if i < 0 {
			return false, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		if q.items[i].Status != domain.MutationPermanentlyFailed {
			return false, fmt.Errorf("%s: %w", id, ErrNotFailed)
		}
		q.items[i].Status = domain.MutationPending
		q.items[i].Attempts = 0
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("Retry: %w", err)
	}
	return nil
}

// Discard drops a permanently failed mutation. Discarding a create also drops
// the mutations queued against its local id.
func (q *Queue) Discard(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.update(ctx, func() (bool, error) {
		i := q.indexOf(id)
		if i < 0 {
			return false, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		if q.items[i].Status != domain.MutationPermanentlyFailed {
			return false, fmt.Errorf("%s: %w", id, ErrNotFailed)
		}
		discarded := q.items[i]
		q.items = append(q.items[:i], q.items[i+1:]...)
		if discarded.Operation == domain.OpCreate {
			q.dropDependents(discarded.LocalID)
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("Discard: %w", err)
	}
	return nil
}

// Count returns how many of the owner's mutations are waiting to be replayed.
func (q *Queue) Count(ownerID string) int {
	return len(q.ListPending(ownerID))
}

// Clear drops every mutation and the persisted record.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := storage.WithLock(ctx, q.kv, QueueKey, func() error {
		return q.kv.Delete(ctx, QueueKey)
	})
	if err != nil {
		return fmt.Errorf("Clear: %w", err)
	}
	q.items = nil
	q.leases = make(map[string]lease)
	q.aliases = nil
	return nil
}

func (q *Queue) list(ownerID string, keep func(domain.OfflineMutation) bool) []domain.OfflineMutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.refresh()
	var out []domain.OfflineMutation
	for _, m := range q.items {
		if ownerID != "" && m.OwnerID != ownerID {
			continue
		}
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

// latestFor returns the index of the newest unsynced mutation for key, or -1.
func (q *Queue) latestFor(ownerID, key string) int {
	for i := len(q.items) - 1; i >= 0; i-- {
		m := q.items[i]
		if m.OwnerID == ownerID && !m.Synced && m.Key() == key {
			return i
		}
	}
	return -1
}

func (q *Queue) indexOf(id string) int {
	for i, m := range q.items {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// dropDependents removes mutations that target a create which will never
// reach the server.
func (q *Queue) dropDependents(localID string) {
	if localID == "" {
		return
	}
	kept := q.items[:0]
	for _, m := range q.items {
		if m.TargetID == localID && !q.leased(m.ID) {
			continue
		}
		kept = append(kept, m)
	}
	q.items = kept
}

// leased reports whether id holds an unexpired in-flight lease.
func (q *Queue) leased(id string) bool {
	l, ok := q.leases[id]
	return ok && q.now().Before(l.Until)
}

// update reloads the queue under the store lock, applies fn and writes the
// result back when fn reports a change. On failure the queue is left as it
// was loaded. Callers hold q.mu.
func (q *Queue) update(ctx context.Context, fn func() (bool, error)) error {
	return storage.WithLock(ctx, q.kv, QueueKey, func() error {
		if err := q.reload(ctx); err != nil {
			return err
		}
		snapshot := q.snapshot()
		changed, err := fn()
		if err != nil {
			q.restore(snapshot)
			return err
		}
		if !changed {
			return nil
		}
		if err := q.persist(ctx); err != nil {
			q.restore(snapshot)
			return err
		}
		return nil
	})
}

// refresh reloads the queue for a read. A failed load keeps the last known
// state. Callers hold q.mu.
func (q *Queue) refresh() {
	if err := q.reload(context.Background()); err != nil {
		q.log.Warn().Err(err).Msg("Failed to reload mutation queue, using last known state")
	}
}

// reload replaces the in-memory queue with the persisted one, dropping leases
// that expired or whose mutation is gone. Callers hold q.mu.
func (q *Queue) reload(ctx context.Context) error {
	var stored persisted
	if _, err := storage.LoadJSON(ctx, q.kv, QueueKey, &stored); err != nil {
		return err
	}

	items := stored.Mutations
	sort.SliceStable(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })

	nextSeq := stored.NextSeq
	if q.nextSeq > nextSeq {
		nextSeq = q.nextSeq
	}
	live := make(map[string]bool, len(items))
	for _, m := range items {
		live[m.ID] = true
		if m.Seq >= nextSeq {
			nextSeq = m.Seq + 1
		}
	}

	now := q.now()
	leases := make(map[string]lease, len(stored.Leases))
	for id, l := range stored.Leases {
		if live[id] && now.Before(l.Until) {
			leases[id] = l
		}
	}

	q.items = items
	q.leases = leases
	q.aliases = stored.Aliases
	q.nextSeq = nextSeq
	return nil
}

func (q *Queue) snapshot() state {
	s := state{
		items:   make([]domain.OfflineMutation, len(q.items)),
		leases:  make(map[string]lease, len(q.leases)),
		aliases: make([]alias, len(q.aliases)),
		nextSeq: q.nextSeq,
	}
	copy(s.items, q.items)
	copy(s.aliases, q.aliases)
	for id, l := range q.leases {
		s.leases[id] = l
	}
	return s
}

func (q *Queue) restore(s state) {
	q.items = s.items
	q.leases = s.leases
	q.aliases = s.aliases
	q.nextSeq = s.nextSeq
}

func (q *Queue) persist(ctx context.Context) error {
	return storage.SaveJSON(ctx, q.kv, QueueKey, persisted{
		Mutations: q.items,
		NextSeq:   q.nextSeq,
		Leases:    q.leases,
		Aliases:   q.aliases,
	})
}

func validate(m domain.OfflineMutation) error {
	switch m.Operation {
	case domain.OpCreate:
		if !domain.IsLocalID(m.LocalID) {
			return fmt.Errorf("Enqueue: create needs a local id, got %q", m.LocalID)
		}
		return m.Payload.Validate()
	case domain.OpUpdate:
		if m.TargetID == "" {
			return fmt.Errorf("Enqueue: update needs a target id")
		}
		return m.Payload.Validate()
	case domain.OpDelete:
		if m.TargetID == "" {
			return fmt.Errorf("Enqueue: delete needs a target id")
		}
		return nil
	default:
		return fmt.Errorf("Enqueue: unknown operation %q", m.Operation)
	}
}
