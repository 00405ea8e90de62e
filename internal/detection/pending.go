package detection

import (
	"time"

	"loadiq/internal/frame"
)

// Pending-estimator ratios. Sustain and start ratios apply to MinPowerW; the
// ramp and shutdown drop ratios apply to the start/stop deltas.
const (
	sustainRatio      = 0.9
	promoteRatio      = 1.1
	shutdownRatio     = 0.7
	rampRatio         = 0.5
	shutdownDropRatio = 0.5
)

// PendingState is what the estimator carries from one refresh to the next for
// a single monitored appliance. The zero value means no run is tracked.
type PendingState struct {
	Start time.Time `json:"start,omitempty"`
}

// Tracking reports whether a candidate run start is held.
func (p PendingState) Tracking() bool { return !p.Start.IsZero() }

// EstimatePending inspects the most recent confirmation window of a derived
// frame and decides whether a run is in progress. It returns the materialized
// live segment, or nil when no run is confirmed yet, together with the state
// to pass to the next call.
func EstimatePending(f *frame.Frame, cfg Config, state PendingState) (*Segment, PendingState, error) {
	if err := cfg.ValidateLive(); err != nil {
		return nil, state, err
	}
	if err := requireDerived(f); err != nil {
		return nil, state, err
	}

	confirm := cfg.ConfirmationWindow()
	minP := cfg.MinPowerW
	lastIdx := f.Len() - 1
	lastTS := f.Index[lastIdx]
	tailIdx := f.Search(lastTS.Add(-confirm))

	tailPeak := f.Net[tailIdx]
	tailSum := 0.0
	for i := tailIdx; i <= lastIdx; i++ {
		if f.Smoothed[i] < sustainRatio*minP {
			return nil, PendingState{}, nil
		}
		if f.Net[i] > tailPeak {
			tailPeak = f.Net[i]
		}
		tailSum += f.Net[i]
	}

	lastRaw := f.Net[lastIdx]
	if lastRaw < shutdownRatio*minP && tailPeak-lastRaw >= shutdownDropRatio*cfg.StopDeltaW {
		return nil, PendingState{}, nil
	}

	// Walk back from the tail while raw power stays above the sustain floor.
	earliest := lastTS.Add(-time.Duration(cfg.MaxDurationS * float64(time.Second)))
	startIdx := tailIdx
	for startIdx > 0 && f.Net[startIdx-1] >= sustainRatio*minP && !f.Index[startIdx-1].Before(earliest) {
		startIdx--
	}

	if !state.Tracking() {
		rise := 0.0
		if startIdx > 0 {
			rise = tailPeak - f.Net[startIdx-1]
		}
		avg := tailSum / float64(lastIdx-tailIdx+1)
		if rise < rampRatio*cfg.StartDeltaW && avg < promoteRatio*minP {
			return nil, PendingState{}, nil
		}
	}

	start := f.Index[startIdx]
	if state.Tracking() && state.Start.Before(start) {
		start = state.Start
	}
	next := PendingState{Start: start}

	if lastTS.Sub(start) < confirm {
		return nil, next, nil
	}

	lo := f.Search(start)
	seg := summarize(f, lo, lastIdx, cfg)
	seg.Start = start
	seg.DurationS = lastTS.Sub(start).Seconds()
	seg.Pending = true
	return &seg, next, nil
}
