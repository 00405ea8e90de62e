package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"loadiq/internal/engine"
	"loadiq/internal/publish"
	"loadiq/internal/types"
)

// ============================================================
// Mock Implementations
// ============================================================

type mockRefresher struct {
	mu      sync.Mutex
	calls   []time.Time
	result  *engine.Result
	err     error
	block   bool
	refresh chan struct{}
}

func (m *mockRefresher) ID() string { return "default" }

func (m *mockRefresher) Refresh(ctx context.Context, now time.Time) (*engine.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, now)
	m.mu.Unlock()
	if m.refresh != nil {
		select {
		case m.refresh <- struct{}{}:
		default:
		}
	}
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return m.result, m.err
}

func (m *mockRefresher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockPublisher struct {
	mu  sync.Mutex
	got []publish.Outcome
	ctx []context.Context
}

func (m *mockPublisher) Publish(ctx context.Context, o publish.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, o)
	m.ctx = append(m.ctx, ctx)
}

// stepClock advances by step on every Now call.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var t0 = time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC)

// ============================================================
// Tests
// ============================================================

func TestMonitor_CyclePublishesSuccess(t *testing.T) {
	res := &engine.Result{WindowEnd: t0, IsActive: true}
	ref := &mockRefresher{result: res}
	pub := &mockPublisher{}
	m := NewMonitor(MonitorConfig{
		Session:   ref,
		Publisher: pub,
		Interval:  time.Minute,
		Clock:     &stepClock{now: t0, step: 300 * time.Millisecond},
		Logger:    quietLogger(),
	})

	out := m.Cycle(context.Background())

	if out.Failed() {
		t.Fatalf("expected success, got %v", out.Err)
	}
	if out.Result != res {
		t.Error("expected the refresh result to be passed through")
	}
	if out.Latency != 300*time.Millisecond {
		t.Errorf("expected latency 300ms, got %v", out.Latency)
	}
	if !out.At.Equal(t0) {
		t.Errorf("expected At %v, got %v", t0, out.At)
	}
	if len(ref.calls) != 1 || !ref.calls[0].Equal(t0) {
		t.Errorf("expected one refresh at %v, got %v", t0, ref.calls)
	}
	if len(pub.got) != 1 || pub.got[0].SessionID != "default" {
		t.Fatalf("expected one published outcome for session default, got %+v", pub.got)
	}
}

func TestMonitor_CyclePublishesFailure(t *testing.T) {
	ref := &mockRefresher{
		result: &engine.Result{},
		err:    types.NewAppError(types.ErrCodeSourceNoData, "no samples", nil),
	}
	pub := &mockPublisher{}
	m := NewMonitor(MonitorConfig{Session: ref, Publisher: pub, Interval: time.Minute, Logger: quietLogger()})

	out := m.Cycle(context.Background())

	if !out.Failed() {
		t.Fatal("expected failure")
	}
	if out.Result != nil {
		t.Error("expected no result on failure")
	}
	if !types.IsCode(out.Err, types.ErrCodeSourceNoData) {
		t.Errorf("expected source_no_data, got %v", out.Err)
	}
	if len(pub.got) != 1 || !pub.got[0].Failed() {
		t.Errorf("expected the failure to be published, got %+v", pub.got)
	}
}

func TestMonitor_CycleTimeout(t *testing.T) {
	ref := &mockRefresher{block: true}
	pub := &mockPublisher{}
	m := NewMonitor(MonitorConfig{
		Session:   ref,
		Publisher: pub,
		Interval:  time.Minute,
		Timeout:   20 * time.Millisecond,
		Logger:    quietLogger(),
	})

	out := m.Cycle(context.Background())

	if !types.IsCode(out.Err, types.ErrCodeSourceUnavailable) {
		t.Fatalf("expected source_unavailable on timeout, got %v", out.Err)
	}
	if !errors.Is(out.Err, context.DeadlineExceeded) {
		t.Error("expected the deadline error to be wrapped")
	}
	if err := pub.ctx[0].Err(); err != nil {
		t.Errorf("expected publish context to stay live, got %v", err)
	}
}

func TestMonitor_RunUntilCancelled(t *testing.T) {
	ref := &mockRefresher{result: &engine.Result{}, refresh: make(chan struct{}, 1)}
	pub := &mockPublisher{}
	m := NewMonitor(MonitorConfig{
		Session:   ref,
		Publisher: pub,
		Interval:  5 * time.Millisecond,
		Logger:    quietLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for ref.callCount() < 3 {
		select {
		case <-ref.refresh:
		case <-deadline:
			t.Fatalf("expected at least 3 refreshes, got %d", ref.callCount())
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil error on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
}

func TestNewMonitor_Defaults(t *testing.T) {
	m := NewMonitor(MonitorConfig{Session: &mockRefresher{}, Interval: 30 * time.Second})

	if m.timeout != 30*time.Second {
		t.Errorf("expected timeout to default to the interval, got %v", m.timeout)
	}
	if m.logger == nil || m.clock == nil || m.publisher == nil {
		t.Error("expected logger, clock and publisher defaults")
	}
	// A nil publisher must be safe to call.
	m.Cycle(context.Background())
}
