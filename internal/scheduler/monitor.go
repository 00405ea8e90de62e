// Package scheduler drives the monitor's periodic refresh cycle.
//
// Each tick refreshes the session under a per-cycle timeout and hands the
// outcome, success or failure, to the publishers. A slow cycle delays the
// next tick instead of overlapping it.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"loadiq/internal/engine"
	"loadiq/internal/publish"
	"loadiq/internal/types"
)

// Refresher abstracts the session operation the monitor needs.
type Refresher interface {
	ID() string
	Refresh(ctx context.Context, now time.Time) (*engine.Result, error)
}

// Monitor refreshes a session on a fixed interval.
type Monitor struct {
	session   Refresher
	publisher publish.Publisher
	interval  time.Duration
	timeout   time.Duration
	clock     types.Clock
	logger    *slog.Logger
}

// MonitorConfig holds the configuration for creating a Monitor.
type MonitorConfig struct {
	Session   Refresher
	Publisher publish.Publisher
	Interval  time.Duration
	// Timeout bounds a single cycle. Zero means the interval.
	Timeout time.Duration
	Clock   types.Clock
	Logger  *slog.Logger
}

// NewMonitor creates a new Monitor with the given configuration.
func NewMonitor(cfg MonitorConfig) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = cfg.Interval
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = publish.Fanout(nil)
	}
	return &Monitor{
		session:   cfg.Session,
		publisher: pub,
		interval:  cfg.Interval,
		timeout:   timeout,
		clock:     clock,
		logger:    logger,
	}
}

// Run refreshes immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "monitor started",
		"session_id", m.session.ID(),
		"interval", m.interval.String(),
		"timeout", m.timeout.String(),
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped", "session_id", m.session.ID())
			return nil
		case <-ticker.C:
			m.Cycle(ctx)
		}
	}
}

// Cycle runs one refresh and publishes its outcome.
func (m *Monitor) Cycle(ctx context.Context) publish.Outcome {
	cycleCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := m.clock.Now()
	res, err := m.session.Refresh(cycleCtx, start)
	if err != nil && cycleCtx.Err() == context.DeadlineExceeded && types.CodeOf(err) == "" {
		err = types.NewAppError(types.ErrCodeSourceUnavailable, "refresh timed out", err)
	}

	out := publish.Outcome{
		SessionID: m.session.ID(),
		Result:    res,
		Err:       err,
		Latency:   m.clock.Now().Sub(start),
		At:        start,
	}
	if err != nil {
		out.Result = nil
		m.logger.WarnContext(ctx, "refresh cycle failed",
			"session_id", out.SessionID,
			"error", err,
			"error_code", types.CodeOf(err),
			"duration_ms", out.Latency.Milliseconds(),
		)
	}

	// Publishing is not bound by the cycle deadline.
	m.publisher.Publish(context.WithoutCancel(ctx), out)
	return out
}
