package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"loadiq/internal/classify"
	"loadiq/internal/detection"
	"loadiq/internal/types"
)

// SessionConfig holds the configuration for creating a Session.
type SessionConfig struct {
	ID       string
	Pipeline *Pipeline
	Lookback time.Duration
	Clock    types.Clock
	Logger   *slog.Logger
}

// Session binds one monitored appliance to a pipeline. It carries the
// pending-estimator state between refreshes and keeps the last result.
// At most one refresh runs at a time.
type Session struct {
	id       string
	pipeline *Pipeline
	lookback time.Duration
	clock    types.Clock
	logger   *slog.Logger

	refreshMu sync.Mutex // serializes Refresh and Label
	state     detection.PendingState

	mu   sync.RWMutex
	last *Result
}

// NewSession creates a Session.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Session{
		id:       cfg.ID,
		pipeline: cfg.Pipeline,
		lookback: cfg.Lookback,
		clock:    clock,
		logger:   logger.With("session_id", cfg.ID),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Refresh computes a result for the lookback window ending at now. A zero
// now means the session clock's current time. On failure the previous result
// and pending state are kept.
func (s *Session) Refresh(ctx context.Context, now time.Time) (*Result, error) {
	if now.IsZero() {
		now = s.clock.Now()
	}
	ctx = types.WithSessionID(ctx, s.id)

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	res, next, err := s.pipeline.Compute(ctx, Lookback(now, s.lookback), s.state)
	if err != nil {
		s.logger.Warn("refresh failed", "error", err, "error_code", types.CodeOf(err))
		return nil, err
	}
	s.state = next

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()

	s.logger.Info("refresh completed",
		"segment_count", len(res.Segments),
		"is_active", res.IsActive,
		"current_power_w", res.CurrentPowerW,
	)
	return res, nil
}

// Last returns the most recent successful result, or nil before the first.
func (s *Session) Last() *Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// State returns the pending-estimator state carried to the next refresh.
func (s *Session) State() detection.PendingState {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	return s.state
}

// Label records a user label for the closed segment starting at start and
// reclassifies the last result with the updated labels. Only closed segments
// of the last result can be labeled.
func (s *Session) Label(ctx context.Context, start time.Time, label types.Label) (types.LabelRecord, error) {
	store := s.pipeline.Labels()
	if store == nil {
		return types.LabelRecord{}, types.NewAppError(types.ErrCodeStoreFailure, "no label store configured", nil)
	}
	if label != types.LabelHeatpump && label != types.LabelOther {
		return types.LabelRecord{}, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidLabel,
			"label must be heatpump or other", nil, map[string]any{"label": label})
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	last := s.Last()
	if last == nil {
		return types.LabelRecord{}, types.NewAppError(types.ErrCodeNotFoundResult, "no refresh has completed yet", nil)
	}
	seg, ok := last.FindSegment(start)
	if !ok {
		return types.LabelRecord{}, types.NewAppErrorWithDetails(types.ErrCodeNotFoundSegment,
			"no closed segment starts at the given time", nil,
			map[string]any{"start": start.UTC()})
	}

	rec := types.LabelRecord{
		Start:    seg.Start,
		End:      seg.End,
		Label:    label,
		Features: seg.Features(),
	}
	if err := store.Upsert(ctx, rec); err != nil {
		return types.LabelRecord{}, err
	}

	records, err := store.List(ctx)
	if err != nil {
		return rec, err
	}
	s.reclassify(last, records)

	for _, r := range records {
		if r.Start.Equal(rec.Start) {
			rec = r
			break
		}
	}
	s.logger.Info("segment labeled", "start", rec.Start, "label", rec.Label)
	return rec, nil
}

// reclassify replaces the last result with a copy scored against records.
func (s *Session) reclassify(last *Result, records []types.LabelRecord) {
	clf := classify.FromRecords(records)
	next := *last
	next.Segments = clf.Apply(last.Segments)
	next.LabelCount = len(records)
	if last.Pending != nil {
		c, conf := clf.Classify(last.Pending.Features())
		p := last.Pending.WithClassification(c, conf)
		next.Pending = &p
	}
	if last.ActiveSegment != nil {
		c, conf := clf.Classify(last.ActiveSegment.Features())
		a := last.ActiveSegment.WithClassification(c, conf)
		next.ActiveSegment = &a
	}

	s.mu.Lock()
	s.last = &next
	s.mu.Unlock()
}
