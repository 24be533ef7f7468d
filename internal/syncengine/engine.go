// Package syncengine replays the offline mutation queue against the remote
// store and reconciles the month cache afterwards.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dvloznov/offline-ledger/internal/cache"
	"github.com/dvloznov/offline-ledger/internal/connectivity"
	"github.com/dvloznov/offline-ledger/internal/domain"
	"github.com/dvloznov/offline-ledger/internal/gateway"
	"github.com/dvloznov/offline-ledger/internal/mutations"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultMinInterval is the minimum time between two sync passes.
const DefaultMinInterval = 5 * time.Second

// reloadConcurrency bounds parallel month reloads during reconciliation.
const reloadConcurrency = 4

// State is the phase the engine is in.
type State int

const (
	// Idle means no pass is running.
	Idle State = iota
	// Draining means queued mutations are being replayed.
	Draining
	// Reconciling means affected months are being reloaded.
	Reconciling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	case Reconciling:
		return "reconciling"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Trigger names what asked for a sync pass.
type Trigger string

const (
	// TriggerOnline fires when connectivity comes back.
	TriggerOnline Trigger = "online"
	// TriggerForeground fires when the app returns to the foreground.
	TriggerForeground Trigger = "foreground"
	// TriggerManual is an explicit user request.
	TriggerManual Trigger = "manual"
	// TriggerInterval is the periodic safety net.
	TriggerInterval Trigger = "interval"
)

// Summary reports the outcome of one Sync call.
type Summary struct {
	Trigger Trigger

	// Succeeded counts mutations the remote store confirmed.
	Succeeded int
	// Failed counts mutations that will be retried on a later pass.
	Failed int
	// PermanentlyFailed counts mutations that stopped retrying in this pass.
	PermanentlyFailed int
	// Deferred counts mutations waiting for their create to be confirmed.
	Deferred int

	// Unauthorized is set when the remote store rejected the credentials.
	Unauthorized bool
	// Aborted is set when the pass stopped before the queue was drained.
	Aborted bool
	// Skipped is set when a guard rejected the call; nothing ran.
	Skipped    bool
	SkipReason string

	// Reloaded lists the months refreshed after draining.
	Reloaded []domain.MonthKey
	// ReloadErrors counts months that failed to refresh.
	ReloadErrors int

	StartedAt time.Time
	Duration  time.Duration
}

// String renders the summary for the user, for example
// "3 synced, 1 failed, will retry".
func (s Summary) String() string {
	if s.Skipped {
		return "sync skipped: " + s.SkipReason
	}
	parts := []string{fmt.Sprintf("%d synced", s.Succeeded)}
	if s.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed, will retry", s.Failed))
	}
	if s.PermanentlyFailed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed permanently", s.PermanentlyFailed))
	}
	if s.Deferred > 0 {
		parts = append(parts, fmt.Sprintf("%d waiting", s.Deferred))
	}
	if s.Unauthorized {
		parts = append(parts, "not authorized")
	}
	if s.Aborted {
		parts = append(parts, "interrupted")
	}
	return strings.Join(parts, ", ")
}

// Options configures an Engine.
type Options struct {
	// OwnerID is the user whose queue is drained.
	OwnerID string
	// MinInterval is the minimum time between the end of one pass and the
	// start of the next. Zero uses DefaultMinInterval; negative disables it.
	MinInterval time.Duration
	// ViewedMonth returns the month on screen, reloaded after every pass.
	ViewedMonth func() (domain.MonthKey, bool)
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
	// Logger receives engine events.
	Logger zerolog.Logger
}

// Engine drains the mutation queue. At most one pass runs at a time.
type Engine struct {
	owner       string
	queue       *mutations.Queue
	cache       *cache.MonthlyCache
	remote      gateway.Gateway
	monitor     *connectivity.Monitor
	minInterval time.Duration
	viewed      func() (domain.MonthKey, bool)
	now         func() time.Time
	log         zerolog.Logger

	// running is the single-flight guard shared by Sync and Push.
	running sync.Mutex

	mu            sync.Mutex
	state         State
	lastCompleted time.Time
	last          Summary
}

// New creates an engine. monitor may be nil, in which case the remote store is
// assumed reachable.
func New(queue *mutations.Queue, monthly *cache.MonthlyCache, remote gateway.Gateway, monitor *connectivity.Monitor, opts Options) *Engine {
	e := &Engine{
		owner:       opts.OwnerID,
		queue:       queue,
		cache:       monthly,
		remote:      remote,
		monitor:     monitor,
		minInterval: opts.MinInterval,
		viewed:      opts.ViewedMonth,
		now:         opts.Now,
		log:         opts.Logger,
	}
	if e.minInterval == 0 {
		e.minInterval = DefaultMinInterval
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// State returns the current phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastSummary returns the summary of the most recent pass that ran.
func (e *Engine) LastSummary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Sync runs one pass: drain the queue in order, then reload the affected
// months. A call made while another pass runs, or too soon after the previous
// one completed, does nothing and returns a skipped summary. The error is
// non-nil only when the local queue could not be read or updated.
func (e *Engine) Sync(ctx context.Context, trigger Trigger) (Summary, error) {
	if !e.running.TryLock() {
		return e.skip(trigger, "a sync pass is already running"), nil
	}
	defer e.running.Unlock()

	e.mu.Lock()
	last := e.lastCompleted
	e.mu.Unlock()
	if e.minInterval > 0 && !last.IsZero() {
		if since := e.now().Sub(last); since < e.minInterval {
			return e.skip(trigger, fmt.Sprintf("last pass finished %s ago", since.Round(time.Millisecond))), nil
		}
	}

	summary := Summary{Trigger: trigger, StartedAt: e.now()}
	log := e.log.With().Str("owner_id", e.owner).Str("trigger", string(trigger)).Logger()

	pending := e.queue.ListPending(e.owner)
	if len(pending) > 0 {
		e.setState(Draining)
		log.Info().Int("pending", len(pending)).Msg("Draining mutation queue")

		touched, err := e.drain(ctx, pending, &summary, log)
		if err != nil {
			e.finish(summary)
			return summary, err
		}

		if !summary.Aborted {
			e.setState(Reconciling)
			e.reconcile(ctx, touched, &summary, log)
		}
	}

	summary.Duration = e.now().Sub(summary.StartedAt)
	e.finish(summary)

	if len(pending) > 0 {
		log.Info().
			Int("succeeded", summary.Succeeded).
			Int("failed", summary.Failed).
			Int("permanently_failed", summary.PermanentlyFailed).
			Bool("aborted", summary.Aborted).
			Dur("duration", summary.Duration).
			Msg("Sync pass completed")
	}
	return summary, nil
}

// Push replays one freshly queued mutation right away. It does nothing while
// offline or while a pass is running; the mutation then waits for the next
// pass. It reports whether the mutation was confirmed.
func (e *Engine) Push(ctx context.Context, mutationID string) bool {
	if !e.online() {
		return false
	}
	if !e.running.TryLock() {
		return false
	}
	defer e.running.Unlock()

	m, ok := e.queue.Get(mutationID)
	if !ok || !m.Pending() || e.queue.InFlight(m.ID) {
		return false
	}

	var summary Summary
	log := e.log.With().Str("owner_id", e.owner).Str("trigger", "push").Logger()
	touched := make(map[domain.MonthKey]bool)
	if err := e.replay(ctx, m, touched, &summary, log); err != nil {
		log.Error().Err(err).Str("mutation_id", m.ID).Msg("Failed to record push outcome")
		return false
	}
	return summary.Succeeded == 1
}

func (e *Engine) drain(ctx context.Context, pending []domain.OfflineMutation, summary *Summary, log zerolog.Logger) (map[domain.MonthKey]bool, error) {
	touched := make(map[domain.MonthKey]bool)

	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			log.Warn().Err(err).Msg("Sync pass cancelled")
			summary.Aborted = true
			break
		}

		if err := e.replay(ctx, m, touched, summary, log); err != nil {
			return touched, err
		}
		if summary.Aborted {
			break
		}
	}
	return touched, nil
}

// replay sends one mutation and records the outcome in the queue, the cache
// and summary. It returns an error only for local storage failures.
func (e *Engine) replay(ctx context.Context, m domain.OfflineMutation, touched map[domain.MonthKey]bool, summary *Summary, log zerolog.Logger) error {
	// The queue may have changed since the pass started.
	current, ok := e.queue.Get(m.ID)
	if !ok || !current.Pending() {
		return nil
	}
	m = current

	if m.Operation != domain.OpCreate && domain.IsLocalID(m.TargetID) {
		summary.Deferred++
		return nil
	}

	mlog := log.With().Str("mutation_id", m.ID).Str("operation", string(m.Operation)).Str("record_id", m.Key()).Logger()

	if err := e.queue.MarkInFlight(ctx, m.ID); err != nil {
		switch {
		case errors.Is(err, mutations.ErrInFlight), errors.Is(err, mutations.ErrNotFound):
			mlog.Debug().Err(err).Msg("Mutation taken by another process, skipping")
			return nil
		case ctx.Err() != nil:
			summary.Aborted = true
			return nil
		default:
			mlog.Error().Err(err).Msg("Failed to mark mutation in flight")
			return fmt.Errorf("replay: %w", err)
		}
	}

	var (
		record domain.TransactionRecord
		err    error
	)
	switch m.Operation {
	case domain.OpCreate:
		record, err = e.remote.Create(ctx, e.owner, m.Payload)
	case domain.OpUpdate:
		record, err = e.remote.Update(ctx, e.owner, m.TargetID, m.Payload)
	case domain.OpDelete:
		err = e.remote.Delete(ctx, e.owner, m.TargetID)
		if errors.Is(err, gateway.ErrNotFound) {
			mlog.Debug().Msg("Record already deleted remotely")
			err = nil
		}
	default:
		err = fmt.Errorf("%w: unknown operation %q", gateway.ErrInvalid, m.Operation)
	}

	if err != nil {
		return e.recordFailure(ctx, m, err, summary, mlog)
	}

	if err := e.queue.MarkSynced(context.WithoutCancel(ctx), m.ID); err != nil {
		if !errors.Is(err, mutations.ErrNotFound) {
			mlog.Error().Err(err).Msg("Failed to remove synced mutation")
			summary.Failed++
			return fmt.Errorf("replay: %w", err)
		}
		mlog.Warn().Msg("Synced mutation was already removed from the queue")
	}
	summary.Succeeded++

	switch m.Operation {
	case domain.OpCreate:
		if err := e.queue.Rebind(context.WithoutCancel(ctx), m.LocalID, record.ID); err != nil {
			mlog.Error().Err(err).Str("server_id", record.ID).Msg("Failed to rebind queued mutations")
			return fmt.Errorf("replay: %w", err)
		}
		e.cache.RemoveFromAllBuckets(m.LocalID)
		e.cache.UpsertIntoBucket(record)
		touched[record.Month()] = true
	case domain.OpUpdate:
		if prev, ok := e.cache.Find(m.TargetID); ok {
			touched[prev.Month()] = true
		}
		e.cache.UpsertIntoBucket(record)
		touched[record.Month()] = true
	case domain.OpDelete:
		if prev, ok := e.cache.Find(m.TargetID); ok {
			touched[prev.Month()] = true
		}
		e.cache.RemoveFromAllBuckets(m.TargetID)
	}

	mlog.Debug().Msg("Mutation synced")
	return nil
}

func (e *Engine) recordFailure(ctx context.Context, m domain.OfflineMutation, cause error, summary *Summary, log zerolog.Logger) error {
	class := gateway.Classify(cause)

	// Record the failure with a fresh context so a cancelled pass still
	// releases the mutation.
	updated, err := e.queue.MarkFailed(context.WithoutCancel(ctx), m.ID, cause, class)
	if err != nil {
		log.Error().Err(err).Msg("Failed to record mutation failure")
		return fmt.Errorf("replay: %w", err)
	}

	if updated.Status == domain.MutationPermanentlyFailed {
		summary.PermanentlyFailed++
	} else {
		summary.Failed++
	}
	log.Warn().Err(cause).Str("class", class.String()).Int("attempts", updated.Attempts).Msg("Mutation failed")

	switch {
	case class == gateway.Transport && !e.online():
		log.Info().Msg("Offline, stopping sync pass")
		summary.Aborted = true
	case errors.Is(cause, gateway.ErrUnauthorized):
		summary.Unauthorized = true
		summary.Aborted = true
	}
	return nil
}

// reconcile reloads the viewed month and every loaded month the pass changed.
func (e *Engine) reconcile(ctx context.Context, touched map[domain.MonthKey]bool, summary *Summary, log zerolog.Logger) {
	loaded := make(map[domain.MonthKey]bool)
	for _, key := range e.cache.LoadedMonths() {
		loaded[key] = true
	}

	var months []domain.MonthKey
	seen := make(map[domain.MonthKey]bool)
	if e.viewed != nil {
		if key, ok := e.viewed(); ok && key.Valid() {
			months = append(months, key)
			seen[key] = true
		}
	}
	for key := range touched {
		if loaded[key] && !seen[key] {
			months = append(months, key)
			seen[key] = true
		}
	}
	if len(months) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reloadConcurrency)
	var mu sync.Mutex
	for _, key := range months {
		key := key
		g.Go(func() error {
			if err := e.cache.LoadMonth(gctx, e.owner, key); err != nil {
				mu.Lock()
				summary.ReloadErrors++
				mu.Unlock()
				log.Warn().Err(err).Str("month", key.String()).Msg("Failed to reload month")
				return nil
			}
			mu.Lock()
			summary.Reloaded = append(summary.Reloaded, key)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) online() bool {
	return e.monitor == nil || e.monitor.Online()
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

func (e *Engine) finish(summary Summary) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = Idle
	e.lastCompleted = e.now()
	e.last = summary
}

func (e *Engine) skip(trigger Trigger, reason string) Summary {
	e.log.Debug().Str("trigger", string(trigger)).Str("reason", reason).Msg("Sync skipped")
	return Summary{Trigger: trigger, Skipped: true, SkipReason: reason}
}
