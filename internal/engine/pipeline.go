// Package engine runs one refresh cycle end to end: fetch the raw series,
// assemble and derive the frame, detect closed runs, estimate the live run,
// and classify everything against one snapshot of the user's labels.
package engine

import (
	"context"
	"log/slog"
	"time"

	"loadiq/internal/classify"
	"loadiq/internal/config"
	"loadiq/internal/detection"
	"loadiq/internal/frame"
	"loadiq/internal/source"
	"loadiq/internal/types"
)

// Window is the half-open time range a refresh covers.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Lookback returns the window of length d ending at end.
func Lookback(end time.Time, d time.Duration) Window {
	end = end.UTC()
	return Window{Start: end.Add(-d), End: end}
}

// Validate rejects empty and inverted windows.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() || !w.End.After(w.Start) {
		return types.NewAppErrorWithDetails(types.ErrCodeInputInvalidWindow,
			"window end must be after start", nil,
			map[string]any{"start": w.Start, "end": w.End})
	}
	return nil
}

// Result is the outcome of one refresh cycle.
type Result struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	// Segments are the closed runs, ordered by start.
	Segments []detection.Segment `json:"segments"`
	// Pending is the live run, when one is confirmed and not already
	// covered by a closed segment.
	Pending *detection.Segment `json:"pending,omitempty"`
	// ActiveSegment is the run in progress at WindowEnd, if any.
	ActiveSegment *detection.Segment `json:"active_segment,omitempty"`

	CurrentPowerW float64 `json:"current_power_w"`
	IsActive      bool    `json:"is_active"`
	AvgRuntimeMin float64 `json:"avg_runtime_min"`
	LabelCount    int     `json:"label_count"`
	FrameRows     int     `json:"frame_rows"`
}

// All returns the closed segments followed by the pending one.
func (r *Result) All() []detection.Segment {
	out := append([]detection.Segment(nil), r.Segments...)
	if r.Pending != nil {
		out = append(out, *r.Pending)
	}
	return out
}

// FindSegment returns the closed segment starting at start.
func (r *Result) FindSegment(start time.Time) (detection.Segment, bool) {
	for _, s := range r.Segments {
		if s.Start.Equal(start) {
			return s, true
		}
	}
	return detection.Segment{}, false
}

// Entities names what a pipeline fetches and how it resamples.
type Entities struct {
	House                types.EntityRef
	KnownLoads           []types.KnownLoad
	Temperature          *types.EntityRef
	Step                 time.Duration
	InterpolationLimit   int
	TemperatureFillLimit int
}

// PipelineConfig holds the collaborators of a Pipeline.
type PipelineConfig struct {
	Source    source.SeriesSource
	Labels    types.LabelStore // nil means no labels
	Entities  Entities
	Detection detection.Config
	Logger    *slog.Logger
}

// Pipeline computes refresh results. It holds no per-session state and is
// safe for concurrent use.
type Pipeline struct {
	source    source.SeriesSource
	labels    types.LabelStore
	entities  Entities
	detection detection.Config
	logger    *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		source:    cfg.Source,
		labels:    cfg.Labels,
		entities:  cfg.Entities,
		detection: cfg.Detection,
		logger:    logger,
	}
}

// EntitiesFromConfig maps the loaded configuration onto Entities.
func EntitiesFromConfig(cfg *config.Config) (Entities, error) {
	step, err := cfg.Entities.Step()
	if err != nil {
		return Entities{}, err
	}
	return Entities{
		House:                cfg.Entities.HouseRef(),
		KnownLoads:           cfg.Entities.Loads(),
		Temperature:          cfg.Entities.OutdoorRef(),
		Step:                 step,
		InterpolationLimit:   cfg.Entities.InterpolationLimit,
		TemperatureFillLimit: cfg.Entities.TemperatureLimit,
	}, nil
}

// Detection returns the detector parameters.
func (p *Pipeline) Detection() detection.Config { return p.detection }

// Step returns the aggregate step.
func (p *Pipeline) Step() time.Duration { return p.entities.Step }

// Labels returns the label store, which may be nil.
func (p *Pipeline) Labels() types.LabelStore { return p.labels }

// Compute runs one refresh over w. state is the pending-estimator state from
// the previous refresh of the same session; the returned state replaces it.
// On error the incoming state is returned unchanged.
func (p *Pipeline) Compute(ctx context.Context, w Window, state detection.PendingState) (*Result, detection.PendingState, error) {
	if err := w.Validate(); err != nil {
		return nil, state, err
	}

	f, err := p.Frame(ctx, w)
	if err != nil {
		return nil, state, err
	}

	segments, err := detection.Detect(f, p.detection)
	if err != nil {
		return nil, state, err
	}

	pending, next, err := detection.EstimatePending(f, p.detection, state)
	if err != nil {
		return nil, state, err
	}
	if pending != nil && len(segments) > 0 && !pending.Start.After(segments[len(segments)-1].End) {
		// The detector already emitted this run as an open tail.
		pending = nil
	}

	records, err := p.listLabels(ctx)
	if err != nil {
		return nil, state, err
	}
	clf := classify.FromRecords(records)
	segments = clf.Apply(segments)
	if pending != nil {
		c, conf := clf.Classify(pending.Features())
		classified := pending.WithClassification(c, conf)
		pending = &classified
	}

	res := &Result{
		WindowStart:   w.Start,
		WindowEnd:     w.End,
		Segments:      segments,
		Pending:       pending,
		CurrentPowerW: f.Net[f.Len()-1],
		LabelCount:    len(records),
		FrameRows:     f.Len(),
	}
	if res.Segments == nil {
		res.Segments = []detection.Segment{}
	}
	res.ActiveSegment = activeSegment(res, p.entities.Step, p.detection.MinPowerW)
	res.IsActive = res.ActiveSegment != nil
	res.AvgRuntimeMin = avgRuntimeMin(res.Segments)

	p.logger.Debug("refresh computed",
		"window_start", w.Start,
		"window_end", w.End,
		"frame_rows", res.FrameRows,
		"segment_count", len(res.Segments),
		"pending", pending != nil,
		"is_active", res.IsActive,
	)
	return res, next, nil
}

// Frame fetches, assembles and derives the frame for w.
func (p *Pipeline) Frame(ctx context.Context, w Window) (*frame.Frame, error) {
	in, err := source.FetchInputs(ctx, p.source, source.Request{
		House:       p.entities.House,
		KnownLoads:  p.entities.KnownLoads,
		Temperature: p.entities.Temperature,
		Start:       w.Start,
		End:         w.End,
		Every:       p.entities.Step,
	}, p.logger)
	if err != nil {
		return nil, err
	}

	f, err := frame.Assemble(in, frame.AssembleOptions{
		Step:                 p.entities.Step,
		InterpolationLimit:   p.entities.InterpolationLimit,
		TemperatureFillLimit: p.entities.TemperatureFillLimit,
	})
	if err != nil {
		return nil, err
	}
	return frame.Derive(f, frame.DeriveOptions{
		SmoothingWindow: p.detection.SmoothingWindow,
		BaselineWindow:  p.detection.BaselineWindow,
	})
}

func (p *Pipeline) listLabels(ctx context.Context) ([]types.LabelRecord, error) {
	if p.labels == nil {
		return nil, nil
	}
	return p.labels.List(ctx)
}

// activeSegment picks the run in progress at the end of the window: a closed
// segment containing WindowEnd, else the last segment if it ended within one
// step of WindowEnd and power is still above threshold, else the pending run.
func activeSegment(r *Result, step time.Duration, minPowerW float64) *detection.Segment {
	for i := range r.Segments {
		if r.Segments[i].Contains(r.WindowEnd) {
			s := r.Segments[i]
			return &s
		}
	}
	if n := len(r.Segments); n > 0 {
		last := r.Segments[n-1]
		if r.WindowEnd.Sub(last.End) <= step && r.CurrentPowerW >= minPowerW {
			return &last
		}
	}
	if r.Pending != nil {
		s := *r.Pending
		return &s
	}
	return nil
}

func avgRuntimeMin(segs []detection.Segment) float64 {
	if len(segs) == 0 {
		return 0
	}
	total := 0.0
	for _, s := range segs {
		total += s.DurationS
	}
	return total / 60 / float64(len(segs))
}
