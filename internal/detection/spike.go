package detection

import "math"

// spikeResult holds what the spike extractor derives from one window.
type spikeResult struct {
	SpikeEnergyKWh   float64
	HasSpike         bool
	ClampedEnergyKWh float64
	ClampedPeakW     float64
}

// extractSpikes finds maximal runs of samples above threshold that last at
// least minDurationS. Spike energy is the excess over threshold within those
// runs. The clamped energy and peak cap every sample at threshold, including
// excursions too short to count as a spike.
//
// power and intervalS are the window's raw net power and per-row sample
// interval in seconds.
func extractSpikes(power, intervalS []float64, threshold, minDurationS float64) spikeResult {
	var res spikeResult
	if len(power) == 0 {
		return res
	}

	clamped := make([]float64, len(power))
	for i, v := range power {
		clamped[i] = math.Min(v, threshold)
	}

	flush := func(lo, hi int) {
		if lo < 0 {
			return
		}
		dur := 0.0
		for i := lo; i < hi; i++ {
			dur += intervalS[i]
		}
		if dur < minDurationS {
			return
		}
		res.HasSpike = true
		for i := lo; i < hi; i++ {
			res.SpikeEnergyKWh += math.Max(0, power[i]-threshold) * intervalS[i] / 3600 / 1000
		}
	}

	runStart := -1
	for i, v := range power {
		if v > threshold {
			if runStart < 0 {
				runStart = i
			}
			continue
		}
		flush(runStart, i)
		runStart = -1
	}
	flush(runStart, len(power))

	res.ClampedPeakW = math.Inf(-1)
	for i, v := range clamped {
		res.ClampedEnergyKWh += v * intervalS[i] / 3600 / 1000
		res.ClampedPeakW = math.Max(res.ClampedPeakW, v)
	}
	return res
}
