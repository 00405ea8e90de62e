// Package detection turns a derived power frame into discrete appliance
// runs: the adaptive hysteresis segment detector for closed history, the
// spike extractor used to finalize each run, and the pending estimator that
// reports a run still in progress.
package detection

import (
	"time"

	"loadiq/internal/types"
)

// Segment is one detected appliance run.
type Segment struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	DurationS float64   `json:"duration_s"`

	MeanPowerW float64 `json:"mean_power_w"`
	PeakPowerW float64 `json:"peak_power_w"`

	EnergyKWh        float64 `json:"energy_kwh"`
	ClampedEnergyKWh float64 `json:"clamped_energy_kwh"`
	ClampedPeakW     float64 `json:"clamped_peak_w"`
	SpikeEnergyKWh   float64 `json:"spike_energy_kwh"`
	HasSpike         bool    `json:"has_spike"`

	TemperatureC *float64 `json:"temperature_c"`

	Classification types.Classification `json:"classification"`
	Confidence     float64              `json:"confidence"`

	// Pending marks a live run materialized before it closed.
	Pending bool `json:"pending,omitempty"`
}

// Duration returns End - Start.
func (s Segment) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Contains reports whether t falls within [Start, End].
func (s Segment) Contains(t time.Time) bool {
	return !t.Before(s.Start) && !t.After(s.End)
}

// Features returns the snapshot scored by the label classifier.
func (s Segment) Features() types.Features {
	return types.Features{
		MeanPowerW: s.MeanPowerW,
		PeakPowerW: s.ClampedPeakW,
		EnergyKWh:  s.EnergyKWh,
		DurationS:  s.DurationS,
	}
}

// WithClassification returns a copy carrying the classifier verdict.
func (s Segment) WithClassification(c types.Classification, confidence float64) Segment {
	s.Classification = c
	s.Confidence = confidence
	return s
}
