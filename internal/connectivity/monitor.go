// Package connectivity tracks whether the remote store is reachable.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Transition is emitted when the online state changes.
type Transition struct {
	Online bool
	At     time.Time
}

// Monitor holds the current online state and fans transitions out to
// subscribers. It is safe for concurrent use.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	subs   map[int]chan Transition
	nextID int
	now    func() time.Time
	log    zerolog.Logger
}

// NewMonitor creates a monitor starting in the given state.
func NewMonitor(online bool, log zerolog.Logger) *Monitor {
	return &Monitor{
		online: online,
		subs:   make(map[int]chan Transition),
		now:    time.Now,
		log:    log,
	}
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records the observed state. Subscribers are notified only when it
// changes. A subscriber that is not keeping up misses the transition rather
// than blocking the caller.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return
	}
	m.online = online

	t := Transition{Online: online, At: m.now()}
	m.log.Info().Bool("online", online).Msg("Connectivity changed")
	for _, ch := range m.subs {
		select {
		case ch <- t:
		default:
			m.log.Debug().Bool("online", online).Msg("Transition dropped, subscriber full")
		}
	}
}

// Subscribe returns a channel of transitions and a function that cancels the
// subscription and closes the channel.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Transition, 4)
	m.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Checker is anything that can tell whether the remote store answers.
type Checker interface {
	Ping(ctx context.Context) error
}

// Prober polls a Checker and feeds the result into a Monitor. It only
// reports reachability; reacting to it is up to the subscribers.
type Prober struct {
	checker  Checker
	monitor  *Monitor
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewProber creates a prober checking every interval.
func NewProber(checker Checker, monitor *Monitor, interval time.Duration, log zerolog.Logger) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Prober{
		checker:  checker,
		monitor:  monitor,
		interval: interval,
		timeout:  interval,
		log:      log,
	}
}

// Probe checks reachability once and updates the monitor.
func (p *Prober) Probe(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.checker.Ping(pingCtx)
	if ctx.Err() != nil {
		// Stopped mid-ping; the failure says nothing about the network.
		return p.monitor.Online()
	}
	if err != nil {
		p.log.Debug().Err(err).Msg("Connectivity probe failed")
	}
	online := err == nil
	p.monitor.Set(online)
	return online
}

// Start probes immediately and then every interval until Stop is called or
// ctx is done.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Probe(ctx)
			}
		}
	}(p.done)
}

// Stop halts probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
}
