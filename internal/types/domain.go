package types

import (
	"math"
	"sort"
	"time"
)

// Sample is a single (timestamp, value) reading for one entity.
type Sample struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Series is an ordered sequence of samples for one tracked entity.
type Series []Sample

// Len, Less and Swap implement sort.Interface ordering by timestamp.
func (s Series) Len() int           { return len(s) }
func (s Series) Less(i, j int) bool { return s[i].Time.Before(s[j].Time) }
func (s Series) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// Normalize returns a copy sorted by time with NaN values dropped and
// duplicate timestamps removed (first occurrence wins). Timestamps are
// converted to UTC.
func (s Series) Normalize() Series {
	out := make(Series, 0, len(s))
	for _, sm := range s {
		if math.IsNaN(sm.Value) || math.IsInf(sm.Value, 0) {
			continue
		}
		out = append(out, Sample{Time: sm.Time.UTC(), Value: sm.Value})
	}
	sort.Stable(out)

	dedup := out[:0]
	for i, sm := range out {
		if i > 0 && sm.Time.Equal(dedup[len(dedup)-1].Time) {
			continue
		}
		dedup = append(dedup, sm)
	}
	return dedup
}

// EntityRef identifies a measurement stored in the time-series backend.
type EntityRef struct {
	EntityID    string `json:"entity_id" yaml:"entity_id" validate:"required"`
	Measurement string `json:"measurement" yaml:"measurement"`
	Field       string `json:"field" yaml:"field"`
	Domain      string `json:"domain" yaml:"domain"`
}

// WithDefaults fills the Influx tag defaults used by Home Assistant's
// InfluxDB integration.
func (e EntityRef) WithDefaults() EntityRef {
	if e.Measurement == "" {
		e.Measurement = "W"
	}
	if e.Field == "" {
		e.Field = "value"
	}
	if e.Domain == "" {
		e.Domain = "sensor"
	}
	return e
}

// KnownLoad is a directly metered load that is subtracted from house power.
type KnownLoad struct {
	Name   string    `json:"name" yaml:"name" validate:"required"`
	Entity EntityRef `json:"entity" yaml:"entity"`
}

// Label is the user-supplied ground truth for one segment.
type Label string

const (
	LabelHeatpump Label = "heatpump"
	LabelOther    Label = "other"
)

// NormalizeLabel maps any value other than heatpump to other.
func NormalizeLabel(v string) Label {
	if Label(v) == LabelHeatpump {
		return LabelHeatpump
	}
	return LabelOther
}

// Classification is the classifier verdict attached to a segment.
type Classification string

const (
	ClassHeatpump  Classification = "heatpump"
	ClassOther     Classification = "other"
	ClassUncertain Classification = "uncertain"
	ClassUnknown   Classification = "unknown"
)

// Features is the numeric snapshot used for nearest-centroid scoring.
type Features struct {
	MeanPowerW float64 `json:"mean_power_w"`
	PeakPowerW float64 `json:"peak_power_w"`
	EnergyKWh  float64 `json:"energy_kwh"`
	DurationS  float64 `json:"duration_s"`
}

// Vector returns the features in a fixed order.
func (f Features) Vector() [4]float64 {
	return [4]float64{f.MeanPowerW, f.PeakPowerW, f.EnergyKWh, f.DurationS}
}

// LabelRecord is one persisted user label. Records are identified by the
// segment start time; a new label for the same start replaces the old one.
type LabelRecord struct {
	ID        string    `json:"id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Label     Label     `json:"label"`
	Features  Features  `json:"features"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
