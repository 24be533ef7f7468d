package connectivity

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/offline-ledger/internal/logger"
)

// MockChecker is a hand-written Checker fake.
type MockChecker struct {
	mu       sync.Mutex
	PingFunc func(ctx context.Context) error
	calls    int
}

func (m *MockChecker) Ping(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	fn := m.PingFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (m *MockChecker) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestMonitor_EmitsOnlyOnChange(t *testing.T) {
	m := NewMonitor(false, logger.Nop())
	ch, cancel := m.Subscribe()
	defer cancel()

	m.Set(false)
	m.Set(true)
	m.Set(true)
	m.Set(false)

	var got []bool
	for len(got) < 2 {
		select {
		case tr := <-ch:
			got = append(got, tr.Online)
		case <-time.After(time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	select {
	case tr := <-ch:
		t.Fatalf("unexpected extra transition %+v", tr)
	default:
	}

	if got[0] != true || got[1] != false {
		t.Errorf("transitions = %v, want [true false]", got)
	}
	if m.Online() {
		t.Error("Online = true, want false")
	}
}

func TestMonitor_CancelClosesChannel(t *testing.T) {
	m := NewMonitor(true, logger.Nop())
	ch, cancel := m.Subscribe()
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	// Setting after cancel must not panic on the closed channel.
	m.Set(false)
}

func TestProber_Probe(t *testing.T) {
	tests := []struct {
		name    string
		pingErr error
		want    bool
	}{
		{"reachable", nil, true},
		{"unreachable", errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := &MockChecker{PingFunc: func(ctx context.Context) error { return tt.pingErr }}
			m := NewMonitor(!tt.want, logger.Nop())
			p := NewProber(checker, m, time.Second, logger.Nop())

			if got := p.Probe(context.Background()); got != tt.want {
				t.Errorf("Probe = %v, want %v", got, tt.want)
			}
			if m.Online() != tt.want {
				t.Errorf("monitor Online = %v, want %v", m.Online(), tt.want)
			}
		})
	}
}

func TestProber_StartStop(t *testing.T) {
	checker := &MockChecker{}
	m := NewMonitor(false, logger.Nop())
	ch, cancel := m.Subscribe()
	defer cancel()

	p := NewProber(checker, m, 10*time.Millisecond, logger.Nop())
	p.Start(context.Background())
	p.Start(context.Background())

	select {
	case tr := <-ch:
		if !tr.Online {
			t.Errorf("first transition = %+v, want online", tr)
		}
	case <-time.After(time.Second):
		t.Fatal("prober never reported online")
	}

	p.Stop()
	calls := checker.Calls()
	time.Sleep(30 * time.Millisecond)
	if checker.Calls() != calls {
		t.Error("prober kept running after Stop")
	}
	p.Stop()
}

func TestProber_ProbeStoppedMidPingKeepsState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	checker := &MockChecker{PingFunc: func(pingCtx context.Context) error {
		cancel()
		<-pingCtx.Done()
		return pingCtx.Err()
	}}
	m := NewMonitor(true, logger.Nop())
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	p := NewProber(checker, m, time.Second, logger.Nop())
	if got := p.Probe(ctx); !got {
		t.Error("Probe = false after cancellation, want the previous state")
	}
	if !m.Online() {
		t.Error("monitor went offline because the probe was stopped")
	}
	select {
	case tr := <-ch:
		t.Errorf("unexpected transition %+v", tr)
	default:
	}
}

func TestMonitor_LogsDroppedTransition(t *testing.T) {
	var buf bytes.Buffer
	m := NewMonitor(false, logger.NewWithWriter(&buf))
	_, unsubscribe := m.Subscribe()
	defer unsubscribe()

	// Nobody reads, so the subscriber buffer fills up.
	for i := 0; i < 10; i++ {
		m.Set(i%2 == 0)
	}

	if !strings.Contains(buf.String(), "Transition dropped, subscriber full") {
		t.Errorf("dropped transition not logged: %s", buf.String())
	}
}
