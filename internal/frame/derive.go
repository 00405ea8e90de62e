package frame

import (
	"fmt"
	"math"
	"sort"

	"loadiq/internal/types"
)

// DeriveOptions holds the rolling window sizes, in samples.
type DeriveOptions struct {
	SmoothingWindow int
	BaselineWindow  int
}

// Derive returns a copy of f with the smoothed, difference, baseline and
// sampling-interval columns populated. f is not modified.
func Derive(f *Frame, opts DeriveOptions) (*Frame, error) {
	if f == nil || f.Net == nil {
		return nil, types.NewAppError(types.ErrCodeInputMissingColumn, fmt.Sprintf("frame has no %s column", ColNet), nil)
	}
	if f.Empty() {
		return nil, types.NewAppError(types.ErrCodeInputEmptyHouse, "frame has no rows", nil)
	}
	if opts.SmoothingWindow < 1 || opts.BaselineWindow < 1 {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConfigInvalidDetection,
			"rolling windows must be at least one sample", nil,
			map[string]any{"smoothing_window": opts.SmoothingWindow, "baseline_window": opts.BaselineWindow})
	}

	out := *f
	n := f.Len()

	out.Smoothed = rollingMean(f.Net, opts.SmoothingWindow)
	out.Baseline = rollingMedian(f.Net, opts.BaselineWindow)

	out.Diff = make([]float64, n)
	out.DiffAbs = make([]float64, n)
	out.AboveBaseline = make([]float64, n)
	out.Diff[0] = math.NaN()
	out.DiffAbs[0] = math.NaN()
	for i := 0; i < n; i++ {
		if i > 0 {
			out.Diff[i] = f.Net[i] - f.Net[i-1]
			out.DiffAbs[i] = math.Abs(out.Diff[i])
		}
		out.AboveBaseline[i] = f.Net[i] - out.Baseline[i]
	}

	out.SampleInterval = sampleIntervals(f)
	out.DiffPerS = make([]float64, n)
	for i := 0; i < n; i++ {
		if math.IsNaN(out.Diff[i]) || out.SampleInterval[i] <= 0 {
			out.DiffPerS[i] = math.NaN()
			continue
		}
		out.DiffPerS[i] = out.Diff[i] / out.SampleInterval[i]
	}
	return &out, nil
}

// sampleIntervals returns the spacing to the previous row in seconds. The
// first row, which has no predecessor, takes the median spacing.
func sampleIntervals(f *Frame) []float64 {
	n := f.Len()
	iv := make([]float64, n)
	iv[0] = math.NaN()
	for i := 1; i < n; i++ {
		iv[i] = f.Index[i].Sub(f.Index[i-1]).Seconds()
	}
	fill := median(iv)
	if math.IsNaN(fill) {
		fill = f.Step.Seconds()
	}
	for i, v := range iv {
		if math.IsNaN(v) {
			iv[i] = fill
		}
	}
	return iv
}

// rollingMean is a trailing mean over up to window samples.
func rollingMean(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		count := window
		if i+1 < window {
			count = i + 1
		}
		out[i] = sum / float64(count)
	}
	return out
}

// rollingMedian is a trailing median over up to window samples. A sorted copy
// of the window is maintained incrementally.
func rollingMedian(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	sorted := make([]float64, 0, window)
	for i, v := range values {
		if i >= window {
			old := values[i-window]
			j := sort.SearchFloat64s(sorted, old)
			sorted = append(sorted[:j], sorted[j+1:]...)
		}
		j := sort.SearchFloat64s(sorted, v)
		sorted = append(sorted, 0)
		copy(sorted[j+1:], sorted[j:])
		sorted[j] = v

		m := len(sorted) / 2
		if len(sorted)%2 == 1 {
			out[i] = sorted[m]
		} else {
			out[i] = (sorted[m-1] + sorted[m]) / 2
		}
	}
	return out
}
