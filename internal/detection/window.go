package detection

import (
	"math"

	"loadiq/internal/frame"
)

// referenceSpanS is the leading part of a run whose median power is taken as
// the run's steady-state reference.
const referenceSpanS = 60.0

// summarize finalizes rows lo..hi (inclusive) of a derived frame into a
// segment: raw statistics, energy, reference power and spike metrics.
func summarize(f *frame.Frame, lo, hi int, cfg Config) Segment {
	power := f.Net[lo : hi+1]
	interval := f.SampleInterval[lo : hi+1]

	seg := Segment{
		Start:     f.Index[lo],
		End:       f.Index[hi],
		DurationS: f.Index[hi].Sub(f.Index[lo]).Seconds(),
	}

	sum, peak, energy := 0.0, math.Inf(-1), 0.0
	for i, v := range power {
		sum += v
		peak = math.Max(peak, v)
		energy += v * interval[i] / 3600 / 1000
	}
	seg.MeanPowerW = sum / float64(len(power))
	seg.PeakPowerW = peak
	seg.EnergyKWh = energy

	ref := referencePower(power, f.MedianStepSeconds())
	tolerance := math.Max(cfg.SpikeToleranceRatio*ref, cfg.SpikeToleranceW)
	spikes := extractSpikes(power, interval, ref+tolerance, cfg.SpikeMinDurationS)
	seg.SpikeEnergyKWh = spikes.SpikeEnergyKWh
	seg.HasSpike = spikes.HasSpike
	seg.ClampedEnergyKWh = spikes.ClampedEnergyKWh
	seg.ClampedPeakW = spikes.ClampedPeakW

	if f.HasTemperature() {
		seg.TemperatureC = meanTemperature(f.Temperature[lo : hi+1])
	}
	return seg
}

// referencePower is the median of roughly the first minute of the window,
// never fewer than three samples.
func referencePower(power []float64, sampleS float64) float64 {
	n := len(power)
	if sampleS > 0 {
		n = int(math.Max(3, math.RoundToEven(referenceSpanS/sampleS)))
		n = max(1, min(len(power), n))
	}
	return frame.Median(power[:n])
}

// meanTemperature averages the readings present, returning nil when none are.
func meanTemperature(temps []float64) *float64 {
	sum, n := 0.0, 0
	for _, v := range temps {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n)
	return &mean
}
