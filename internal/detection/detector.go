package detection

import (
	"fmt"
	"time"

	"loadiq/internal/frame"
	"loadiq/internal/types"
)

// Stop-condition ratios, relative to MinPowerW. These were tuned against
// real compressor traces and are fixed.
const (
	dropStopRatio         = 0.8
	lowRawStopRatio       = 0.5
	lowSmoothedStopRatio  = 0.6
	baselineCollapseRatio = 0.6
	baselineMarginRatio   = 0.2
)

// Detect scans a derived frame once, forward in time, and returns the closed
// runs it finds in start order.
func Detect(f *frame.Frame, cfg Config) ([]Segment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := requireDerived(f); err != nil {
		return nil, err
	}

	var (
		segments  []Segment
		inSegment bool
		startIdx  int
		peak      float64
		lastEnd   time.Time
		haveEnd   bool
	)
	minP := cfg.MinPowerW

	for i := 0; i < f.Len(); i++ {
		ts := f.Index[i]
		raw := f.Net[i]
		smoothed := f.Smoothed[i]
		delta := f.Diff[i] // NaN on the first row; every comparison is false
		baseline := f.Baseline[i]

		if !inSegment {
			if raw >= minP && (delta >= cfg.StartDeltaW || smoothed >= minP) {
				if !haveEnd || ts.Sub(lastEnd).Seconds() >= cfg.MinOffDurationS {
					inSegment = true
					startIdx = i
					peak = raw
				}
			}
			continue
		}

		if raw > peak {
			peak = raw
		}
		elapsed := ts.Sub(f.Index[startIdx]).Seconds()

		stopDrop := delta <= -cfg.StopDeltaW && raw <= minP*dropStopRatio
		stopLow := raw <= minP*lowRawStopRatio && smoothed <= minP*lowSmoothedStopRatio
		stopBaseline := baseline <= minP*baselineCollapseRatio && raw <= baseline+minP*baselineMarginRatio
		if !(stopDrop || stopLow || stopBaseline || elapsed >= cfg.MaxDurationS) {
			continue
		}

		inSegment = false
		if elapsed < cfg.MinDurationS || peak > cfg.MaxPowerW {
			continue
		}
		segments = append(segments, summarize(f, startIdx, i, cfg))
		lastEnd = ts
		haveEnd = true
	}

	if inSegment {
		last := f.Len() - 1
		elapsed := f.Index[last].Sub(f.Index[startIdx]).Seconds()
		if elapsed >= cfg.MinDurationS && elapsed <= cfg.MaxDurationS && peak <= cfg.MaxPowerW {
			segments = append(segments, summarize(f, startIdx, last, cfg))
		}
	}
	return segments, nil
}

func requireDerived(f *frame.Frame) error {
	if f.Empty() {
		return types.NewAppError(types.ErrCodeInputEmptyHouse, "frame has no rows", nil)
	}
	for _, name := range []string{frame.ColNet, frame.ColSmoothed, frame.ColDiff, frame.ColBaseline, frame.ColSampleInterval} {
		if _, ok := f.Column(name); !ok {
			return types.NewAppError(types.ErrCodeInputMissingColumn,
				fmt.Sprintf("frame missing %q; derive features first", name), nil)
		}
	}
	return nil
}
