package frame

import (
	"fmt"
	"math"
	"time"

	"loadiq/internal/types"
)

// DefaultTemperatureFillLimit is the forward-fill limit, in samples, applied
// to outdoor temperature before interpolation.
const DefaultTemperatureFillLimit = 180

// NamedSeries is a known-load series keyed by its short name.
type NamedSeries struct {
	Name   string
	Series types.Series
}

// Inputs holds the raw per-entity series for one refresh cycle.
type Inputs struct {
	House       types.Series
	KnownLoads  []NamedSeries
	Temperature types.Series
}

// AssembleOptions controls resampling.
type AssembleOptions struct {
	// Step is the aggregate frequency of the output axis.
	Step time.Duration
	// InterpolationLimit bounds, in samples, how much of a gap is filled by
	// linear interpolation before forward-fill takes over.
	InterpolationLimit int
	// TemperatureFillLimit bounds the temperature forward-fill. Zero selects
	// DefaultTemperatureFillLimit.
	TemperatureFillLimit int
}

// Assemble resamples all inputs onto one fixed-step axis spanning the house
// series and computes known_loads_w and net_w.
func Assemble(in Inputs, opts AssembleOptions) (*Frame, error) {
	if opts.Step <= 0 {
		return nil, types.NewAppError(types.ErrCodeInputInvalidFreq, "aggregate step must be positive", nil)
	}
	if opts.InterpolationLimit < 0 {
		return nil, types.NewAppError(types.ErrCodeInputMalformed, "interpolation limit must not be negative", nil)
	}
	tempLimit := opts.TemperatureFillLimit
	if tempLimit <= 0 {
		tempLimit = DefaultTemperatureFillLimit
	}

	house := in.House.Normalize()
	if len(house) == 0 {
		return nil, types.NewAppError(types.ErrCodeInputEmptyHouse, "house power series is empty", nil)
	}

	axis := buildAxis(house, opts.Step)
	houseCol := align(bucketMeans(house, opts.Step), axis)

	names := make([]string, 0, len(in.KnownLoads))
	loads := make([][]float64, 0, len(in.KnownLoads))
	seen := make(map[string]bool, len(in.KnownLoads))
	for _, kl := range in.KnownLoads {
		if kl.Name == "" {
			return nil, types.NewAppError(types.ErrCodeInputMalformed, "known load without a name", nil)
		}
		if seen[kl.Name] {
			return nil, types.NewAppError(types.ErrCodeInputMalformed, fmt.Sprintf("duplicate known load %q", kl.Name), nil)
		}
		seen[kl.Name] = true

		col := align(bucketMeans(kl.Series.Normalize(), opts.Step), axis)
		fillZero(col)
		names = append(names, kl.Name)
		loads = append(loads, col)
	}

	var temp []float64
	if in.Temperature != nil {
		temp = align(bucketMeans(in.Temperature.Normalize(), opts.Step), axis)
		forwardFill(temp, tempLimit)
	}

	interpolateLinear(houseCol, opts.InterpolationLimit)
	forwardFill(houseCol, 0)
	for _, col := range loads {
		interpolateLinear(col, opts.InterpolationLimit)
		forwardFill(col, 0)
	}
	if temp != nil {
		interpolateLinear(temp, opts.InterpolationLimit)
		forwardFill(temp, 0)
	}

	// Only leading rows can still lack a house value after forward-fill.
	first := 0
	for first < len(houseCol) && math.IsNaN(houseCol[first]) {
		first++
	}
	if first == len(houseCol) {
		return nil, types.NewAppError(types.ErrCodeInputEmptyHouse, "house power series has no valid readings", nil)
	}

	f := &Frame{
		Step:      opts.Step,
		Index:     axis[first:],
		House:     houseCol[first:],
		LoadNames: names,
		Loads:     make([][]float64, len(loads)),
	}
	for i, col := range loads {
		f.Loads[i] = col[first:]
	}
	if temp != nil {
		f.Temperature = temp[first:]
	}

	n := len(f.Index)
	f.KnownLoads = make([]float64, n)
	f.Net = make([]float64, n)
	for i := 0; i < n; i++ {
		sum := 0.0
		for _, col := range f.Loads {
			sum += col[i]
		}
		f.KnownLoads[i] = sum
		f.Net[i] = f.House[i] - sum
	}
	return f, nil
}
