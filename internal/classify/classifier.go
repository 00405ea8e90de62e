// Package classify scores detected runs against the user's labeled examples
// with a two-sided nearest-centroid rule.
package classify

import (
	"math"

	"loadiq/internal/detection"
	"loadiq/internal/types"
)

// Scoring policy. These thresholds are kept as-is so that a handful of user
// corrections shift future verdicts predictably.
const (
	oneSidedThreshold = 0.6
	positiveThreshold = 0.65
	negativeThreshold = 0.35
)

// Exemplars is a read-only snapshot of labeled feature vectors split by class.
type Exemplars struct {
	Positive []types.Features
	Negative []types.Features
}

// Partition splits label records into positive (heatpump) and negative
// (other) exemplars.
func Partition(records []types.LabelRecord) Exemplars {
	var ex Exemplars
	for _, r := range records {
		if types.NormalizeLabel(string(r.Label)) == types.LabelHeatpump {
			ex.Positive = append(ex.Positive, r.Features)
		} else {
			ex.Negative = append(ex.Negative, r.Features)
		}
	}
	return ex
}

func (e Exemplars) HasPositive() bool { return len(e.Positive) > 0 }
func (e Exemplars) HasNegative() bool { return len(e.Negative) > 0 }
func (e Exemplars) HasTraining() bool { return e.HasPositive() || e.HasNegative() }

// Swap returns the exemplars with the class roles exchanged.
func (e Exemplars) Swap() Exemplars {
	return Exemplars{Positive: e.Negative, Negative: e.Positive}
}

// Centroid is the per-feature mean. An empty set yields the zero vector.
func Centroid(fs []types.Features) types.Features {
	if len(fs) == 0 {
		return types.Features{}
	}
	var sum [4]float64
	for _, f := range fs {
		v := f.Vector()
		for i := range sum {
			sum[i] += v[i]
		}
	}
	n := float64(len(fs))
	return types.Features{
		MeanPowerW: sum[0] / n,
		PeakPowerW: sum[1] / n,
		EnergyKWh:  sum[2] / n,
		DurationS:  sum[3] / n,
	}
}

// Distance is the mean over all features of |f - c| / max(|c|, 1).
func Distance(f, centroid types.Features) float64 {
	a, c := f.Vector(), centroid.Vector()
	total := 0.0
	for i := range a {
		total += math.Abs(a[i]-c[i]) / math.Max(math.Abs(c[i]), 1)
	}
	return total / float64(len(a))
}

// Classifier holds precomputed centroids for one labels snapshot.
type Classifier struct {
	ex          Exemplars
	posCentroid types.Features
	negCentroid types.Features
}

// New builds a classifier from a labels snapshot.
func New(ex Exemplars) *Classifier {
	return &Classifier{
		ex:          ex,
		posCentroid: Centroid(ex.Positive),
		negCentroid: Centroid(ex.Negative),
	}
}

// FromRecords is New(Partition(records)).
func FromRecords(records []types.LabelRecord) *Classifier {
	return New(Partition(records))
}

// Exemplars returns the snapshot the classifier was built from.
func (c *Classifier) Exemplars() Exemplars { return c.ex }

// Classify returns the verdict and confidence for one feature vector.
func (c *Classifier) Classify(f types.Features) (types.Classification, float64) {
	switch {
	case !c.ex.HasPositive() && !c.ex.HasNegative():
		return types.ClassUnknown, 0

	case !c.ex.HasPositive():
		score := math.Max(0, 1-Distance(f, c.negCentroid))
		if score >= oneSidedThreshold {
			return types.ClassOther, round3(score)
		}
		return types.ClassUncertain, round3(score)

	case !c.ex.HasNegative():
		score := math.Max(0, 1-Distance(f, c.posCentroid))
		if score >= oneSidedThreshold {
			return types.ClassHeatpump, round3(score)
		}
		return types.ClassUncertain, round3(score)
	}

	dPos := Distance(f, c.posCentroid)
	dNeg := Distance(f, c.negCentroid)
	total := dPos + dNeg
	if total == 0 {
		return types.ClassHeatpump, 1
	}

	score := 1 - dPos/total
	switch {
	case score >= positiveThreshold:
		return types.ClassHeatpump, round3(score)
	case score <= negativeThreshold:
		return types.ClassOther, round3(1 - score)
	default:
		return types.ClassUncertain, round3(score)
	}
}

// Apply returns copies of segs with classification and confidence attached.
func (c *Classifier) Apply(segs []detection.Segment) []detection.Segment {
	out := make([]detection.Segment, len(segs))
	for i, s := range segs {
		out[i] = s.WithClassification(c.Classify(s.Features()))
	}
	return out
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
