package syncengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/offline-ledger/internal/connectivity"
	"github.com/rs/zerolog"
)

// Syncer runs sync passes. *Engine implements it.
type Syncer interface {
	Sync(ctx context.Context, trigger Trigger) (Summary, error)
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// BufferSize is how many triggers can wait before new ones are dropped.
	BufferSize int
	// Interval fires TriggerInterval periodically. Zero disables it.
	Interval time.Duration
	// Monitor, when set, turns offline-to-online transitions into
	// TriggerOnline.
	Monitor *connectivity.Monitor
	// OnSummary is called after every pass that was not skipped.
	OnSummary func(Summary)
	Logger    zerolog.Logger
}

// Scheduler feeds sync triggers to a single worker. Triggers arrive from
// callers, connectivity transitions and an optional ticker; the engine's own
// guards decide whether each one runs a pass.
type Scheduler struct {
	syncer      Syncer
	triggerChan chan Trigger
	closeChan   chan struct{}
	wg          sync.WaitGroup
	mu          sync.RWMutex
	closed      bool
	started     bool
	opts        SchedulerOptions
	log         zerolog.Logger
}

// NewScheduler creates a scheduler for syncer.
func NewScheduler(syncer Syncer, opts SchedulerOptions) *Scheduler {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 8
	}
	return &Scheduler{
		syncer:      syncer,
		triggerChan: make(chan Trigger, opts.BufferSize),
		closeChan:   make(chan struct{}),
		opts:        opts,
		log:         opts.Logger,
	}
}

// Publish queues a trigger. When the buffer is full the trigger is dropped:
// the queued ones already cover it.
func (s *Scheduler) Publish(ctx context.Context, trigger Trigger) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("scheduler is closed")
	}

	select {
	case s.triggerChan <- trigger:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		s.log.Debug().Str("trigger", string(trigger)).Msg("Trigger dropped, buffer full")
		return nil
	}
}

// Start launches the worker and the trigger sources. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("scheduler is closed")
	}
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	s.wg.Add(1)
	go s.worker(ctx)

	if s.opts.Monitor != nil {
		transitions, cancel := s.opts.Monitor.Subscribe()
		s.wg.Add(1)
		go s.watchConnectivity(ctx, transitions, cancel)
	}

	if s.opts.Interval > 0 {
		s.wg.Add(1)
		go s.tick(ctx)
	}
	return nil
}

// worker runs one pass per trigger.
func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeChan:
			return
		case trigger := <-s.triggerChan:
			s.run(ctx, trigger)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, trigger Trigger) {
	summary, err := s.syncer.Sync(ctx, trigger)
	if err != nil {
		s.log.Error().Err(err).Str("trigger", string(trigger)).Msg("Sync pass failed")
		return
	}
	if summary.Skipped {
		return
	}

	s.log.Info().Str("trigger", string(trigger)).Str("summary", summary.String()).Msg("Sync finished")
	if s.opts.OnSummary != nil {
		s.opts.OnSummary(summary)
	}
}

func (s *Scheduler) watchConnectivity(ctx context.Context, transitions <-chan connectivity.Transition, cancel func()) {
	defer s.wg.Done()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeChan:
			return
		case t, ok := <-transitions:
			if !ok {
				return
			}
			if t.Online {
				_ = s.Publish(ctx, TriggerOnline)
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeChan:
			return
		case <-ticker.C:
			_ = s.Publish(ctx, TriggerInterval)
		}
	}
}

// Stop stops accepting triggers and waits for the running pass to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closeChan)
	s.mu.Unlock()

	// Wait for the worker with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the scheduler without a deadline.
func (s *Scheduler) Close() error {
	return s.Stop(context.Background())
}
