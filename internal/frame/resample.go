package frame

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"loadiq/internal/types"
)

var freqPattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)?\s*([a-zA-Z]+)\s*$`)

// ParseFrequency accepts Go durations ("10s", "1m30s") and the pandas-style
// aliases stored in existing configurations ("10S", "1min", "5T", "1H").
func ParseFrequency(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
		if d <= 0 {
			return 0, types.NewAppError(types.ErrCodeInputInvalidFreq, fmt.Sprintf("frequency %q must be positive", s), nil)
		}
		return d, nil
	}

	m := freqPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, types.NewAppError(types.ErrCodeInputInvalidFreq, fmt.Sprintf("cannot parse frequency %q", s), nil)
	}
	n := 1.0
	if m[1] != "" {
		n, _ = strconv.ParseFloat(m[1], 64)
	}

	var unit time.Duration
	switch strings.ToLower(m[2]) {
	case "s", "sec", "secs", "second", "seconds":
		unit = time.Second
	case "t", "min", "mins", "minute", "minutes":
		unit = time.Minute
	case "h", "hr", "hour", "hours":
		unit = time.Hour
	case "d", "day", "days":
		unit = 24 * time.Hour
	default:
		return 0, types.NewAppError(types.ErrCodeInputInvalidFreq, fmt.Sprintf("unknown frequency unit in %q", s), nil)
	}

	d := time.Duration(n * float64(unit))
	if d <= 0 {
		return 0, types.NewAppError(types.ErrCodeInputInvalidFreq, fmt.Sprintf("frequency %q must be positive", s), nil)
	}
	return d, nil
}

// bucketMeans averages the samples falling into each step-wide bucket. The
// input must already be normalized (sorted, de-duplicated).
func bucketMeans(s types.Series, step time.Duration) map[int64]float64 {
	sums := make(map[int64]float64)
	counts := make(map[int64]int)
	for _, sm := range s {
		key := sm.Time.Truncate(step).UnixNano()
		sums[key] += sm.Value
		counts[key]++
	}
	out := make(map[int64]float64, len(sums))
	for k, sum := range sums {
		out[k] = sum / float64(counts[k])
	}
	return out
}

// align projects bucket means onto axis, leaving NaN where a bucket is empty.
func align(means map[int64]float64, axis []time.Time) []float64 {
	col := make([]float64, len(axis))
	for i, t := range axis {
		if v, ok := means[t.UnixNano()]; ok {
			col[i] = v
		} else {
			col[i] = math.NaN()
		}
	}
	return col
}

// buildAxis returns every bucket start between the first and last sample.
func buildAxis(s types.Series, step time.Duration) []time.Time {
	first := s[0].Time.Truncate(step)
	last := s[len(s)-1].Time.Truncate(step)
	n := int(last.Sub(first)/step) + 1
	axis := make([]time.Time, n)
	for i := range axis {
		axis[i] = first.Add(time.Duration(i) * step)
	}
	return axis
}

// interpolateLinear fills NaN runs that have a valid value on both sides by
// linear interpolation, filling at most limit samples of each run. Runs after
// the last valid value are filled with that value, again up to limit. Leading
// NaNs are left untouched. limit <= 0 means unbounded.
func interpolateLinear(col []float64, limit int) {
	lastValid := -1
	for i := 0; i < len(col); i++ {
		if math.IsNaN(col[i]) {
			continue
		}
		if lastValid >= 0 && i-lastValid > 1 {
			a, b := col[lastValid], col[i]
			span := float64(i - lastValid)
			for k := lastValid + 1; k < i; k++ {
				if limit > 0 && k-lastValid > limit {
					break
				}
				col[k] = a + (b-a)*float64(k-lastValid)/span
			}
		}
		lastValid = i
	}
	if lastValid >= 0 {
		for k := lastValid + 1; k < len(col); k++ {
			if limit > 0 && k-lastValid > limit {
				break
			}
			col[k] = col[lastValid]
		}
	}
}

// forwardFill carries the last valid value forward over at most limit
// consecutive NaNs. limit <= 0 means unbounded.
func forwardFill(col []float64, limit int) {
	last := math.NaN()
	run := 0
	for i, v := range col {
		if !math.IsNaN(v) {
			last = v
			run = 0
			continue
		}
		if math.IsNaN(last) {
			continue
		}
		run++
		if limit > 0 && run > limit {
			continue
		}
		col[i] = last
	}
}

// fillZero replaces NaN with 0.
func fillZero(col []float64) {
	for i, v := range col {
		if math.IsNaN(v) {
			col[i] = 0
		}
	}
}
