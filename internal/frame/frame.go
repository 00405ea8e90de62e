// Package frame turns independently sampled per-entity series into one
// fixed-step table of house, known-load and net power, and derives the
// smoothed, baseline and derivative columns every detection stage reads.
//
// A Frame is a column store: each column is a []float64 aligned with Index.
// Frames are never mutated after construction; Derive returns a new Frame.
package frame

import (
	"math"
	"sort"
	"time"
)

// Column names, matching the serialized field names used by exports.
const (
	ColHouse          = "house_w"
	ColKnownLoads     = "known_loads_w"
	ColNet            = "net_w"
	ColSmoothed       = "net_smoothed_w"
	ColDiff           = "net_diff_w"
	ColDiffAbs        = "net_diff_abs_w"
	ColDiffPerS       = "net_diff_per_s"
	ColBaseline       = "net_baseline_w"
	ColAboveBaseline  = "net_above_baseline_w"
	ColSampleInterval = "sample_interval_s"
	ColTemperature    = "outdoor_temp_c"
)

// LoadColumn returns the column name for a named known load.
func LoadColumn(name string) string {
	return "load_" + name + "_w"
}

// Frame is a table indexed by a strictly increasing, evenly spaced time axis.
type Frame struct {
	Step  time.Duration
	Index []time.Time

	House      []float64
	LoadNames  []string
	Loads      [][]float64
	KnownLoads []float64
	Net        []float64

	// Temperature is nil when no temperature series was supplied. Rows
	// before the first temperature reading hold NaN.
	Temperature []float64

	// Derived columns, populated by Derive.
	Smoothed       []float64
	Diff           []float64
	DiffAbs        []float64
	DiffPerS       []float64
	Baseline       []float64
	AboveBaseline  []float64
	SampleInterval []float64
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Index)
}

// Empty reports whether the frame has no rows.
func (f *Frame) Empty() bool { return f.Len() == 0 }

// HasTemperature reports whether an outdoor temperature column is present.
func (f *Frame) HasTemperature() bool { return f != nil && f.Temperature != nil }

// Derived reports whether Derive has populated the feature columns.
func (f *Frame) Derived() bool {
	return f != nil && f.Smoothed != nil && f.Diff != nil && f.Baseline != nil && f.SampleInterval != nil
}

// Start returns the first timestamp, or the zero time for an empty frame.
func (f *Frame) Start() time.Time {
	if f.Empty() {
		return time.Time{}
	}
	return f.Index[0]
}

// End returns the last timestamp, or the zero time for an empty frame.
func (f *Frame) End() time.Time {
	if f.Empty() {
		return time.Time{}
	}
	return f.Index[len(f.Index)-1]
}

// Column returns a column by its serialized name.
func (f *Frame) Column(name string) ([]float64, bool) {
	var col []float64
	switch name {
	case ColHouse:
		col = f.House
	case ColKnownLoads:
		col = f.KnownLoads
	case ColNet:
		col = f.Net
	case ColSmoothed:
		col = f.Smoothed
	case ColDiff:
		col = f.Diff
	case ColDiffAbs:
		col = f.DiffAbs
	case ColDiffPerS:
		col = f.DiffPerS
	case ColBaseline:
		col = f.Baseline
	case ColAboveBaseline:
		col = f.AboveBaseline
	case ColSampleInterval:
		col = f.SampleInterval
	case ColTemperature:
		col = f.Temperature
	default:
		for i, n := range f.LoadNames {
			if LoadColumn(n) == name {
				col = f.Loads[i]
			}
		}
	}
	return col, col != nil
}

// Columns lists the names of all populated columns in a stable order.
func (f *Frame) Columns() []string {
	names := []string{ColHouse}
	for _, n := range f.LoadNames {
		names = append(names, LoadColumn(n))
	}
	if f.HasTemperature() {
		names = append(names, ColTemperature)
	}
	names = append(names, ColKnownLoads, ColNet)
	for _, n := range []string{ColSmoothed, ColDiff, ColDiffAbs, ColBaseline, ColAboveBaseline, ColSampleInterval, ColDiffPerS} {
		if _, ok := f.Column(n); ok {
			names = append(names, n)
		}
	}
	return names
}

// Search returns the index of the first row at or after t.
func (f *Frame) Search(t time.Time) int {
	return sort.Search(len(f.Index), func(i int) bool { return !f.Index[i].Before(t) })
}

// SearchAfter returns the index of the first row strictly after t.
func (f *Frame) SearchAfter(t time.Time) int {
	return sort.Search(len(f.Index), func(i int) bool { return f.Index[i].After(t) })
}

// MedianStepSeconds returns the median spacing between consecutive rows in
// seconds, or 0 when the frame has fewer than two rows.
func (f *Frame) MedianStepSeconds() float64 {
	if f.Len() < 2 {
		return 0
	}
	diffs := make([]float64, 0, f.Len()-1)
	for i := 1; i < f.Len(); i++ {
		diffs = append(diffs, f.Index[i].Sub(f.Index[i-1]).Seconds())
	}
	return median(diffs)
}

// median returns the median of values, ignoring NaN. Returns NaN when no
// finite value is present. values is not modified.
func median(values []float64) float64 {
	buf := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			buf = append(buf, v)
		}
	}
	if len(buf) == 0 {
		return math.NaN()
	}
	sort.Float64s(buf)
	mid := len(buf) / 2
	if len(buf)%2 == 1 {
		return buf[mid]
	}
	return (buf[mid-1] + buf[mid]) / 2
}

// Median is the exported NaN-skipping median used by detection stages.
func Median(values []float64) float64 { return median(values) }
