// Package report turns detected segments into the tables, exports and
// statistics shown by the CLI.
package report

import (
	"time"

	"loadiq/internal/detection"
	"loadiq/internal/types"
)

// Row is the flat, exportable view of one segment.
type Row struct {
	Start            time.Time            `json:"start"`
	End              time.Time            `json:"end"`
	DurationMin      float64              `json:"duration_min"`
	MeanPowerW       float64              `json:"mean_power_w"`
	ClampedPeakW     float64              `json:"clamped_peak_w"`
	EnergyKWhRaw     float64              `json:"energy_kwh_raw"`
	EnergyKWhClamped float64              `json:"energy_kwh_clamped"`
	SpikeEnergyKWh   float64              `json:"spike_energy_kwh"`
	HasSpike         bool                 `json:"has_spike"`
	TemperatureC     *float64             `json:"temperature_c"`
	Classification   types.Classification `json:"classification"`
	Confidence       float64              `json:"confidence"`
}

// Rows converts segments in order.
func Rows(segs []detection.Segment) []Row {
	out := make([]Row, len(segs))
	for i, s := range segs {
		out[i] = Row{
			Start:            s.Start.UTC(),
			End:              s.End.UTC(),
			DurationMin:      s.DurationS / 60,
			MeanPowerW:       s.MeanPowerW,
			ClampedPeakW:     s.ClampedPeakW,
			EnergyKWhRaw:     s.EnergyKWh,
			EnergyKWhClamped: s.ClampedEnergyKWh,
			SpikeEnergyKWh:   s.SpikeEnergyKWh,
			HasSpike:         s.HasSpike,
			TemperatureC:     s.TemperatureC,
			Classification:   s.Classification,
			Confidence:       s.Confidence,
		}
	}
	return out
}

// Totals summarizes a set of rows.
type Totals struct {
	Runs             int     `json:"runs"`
	DurationMin      float64 `json:"duration_min"`
	AvgMeanPowerW    float64 `json:"avg_mean_power_w"`
	MaxClampedPeakW  float64 `json:"max_clamped_peak_w"`
	EnergyKWhRaw     float64 `json:"energy_kwh_raw"`
	EnergyKWhClamped float64 `json:"energy_kwh_clamped"`
	SpikeEnergyKWh   float64 `json:"spike_energy_kwh"`
	SpikeRuns        int     `json:"spike_runs"`
}

// Summarize computes the totals row.
func Summarize(rows []Row) Totals {
	t := Totals{Runs: len(rows)}
	if len(rows) == 0 {
		return t
	}
	meanSum := 0.0
	for i, r := range rows {
		t.DurationMin += r.DurationMin
		meanSum += r.MeanPowerW
		if i == 0 || r.ClampedPeakW > t.MaxClampedPeakW {
			t.MaxClampedPeakW = r.ClampedPeakW
		}
		t.EnergyKWhRaw += r.EnergyKWhRaw
		t.EnergyKWhClamped += r.EnergyKWhClamped
		t.SpikeEnergyKWh += r.SpikeEnergyKWh
		if r.HasSpike {
			t.SpikeRuns++
		}
	}
	t.AvgMeanPowerW = meanSum / float64(len(rows))
	return t
}
