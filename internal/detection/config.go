package detection

import (
	"fmt"
	"math"
	"time"

	"loadiq/internal/types"
)

// Config is the immutable parameter set for one detector run. The struct tags
// let the config package populate it from the environment and YAML files.
type Config struct {
	MinPowerW           float64 `envconfig:"LOADIQ_MIN_POWER_W" default:"2000" yaml:"min_power_w" json:"min_power_w" validate:"gt=0"`
	MaxPowerW           float64 `envconfig:"LOADIQ_MAX_POWER_W" default:"3500" yaml:"max_power_w" json:"max_power_w" validate:"gt=0"`
	MinDurationS        float64 `envconfig:"LOADIQ_MIN_DURATION_S" default:"300" yaml:"min_duration_s" json:"min_duration_s" validate:"gt=0"`
	MaxDurationS        float64 `envconfig:"LOADIQ_MAX_DURATION_S" default:"3600" yaml:"max_duration_s" json:"max_duration_s" validate:"gt=0"`
	MinOffDurationS     float64 `envconfig:"LOADIQ_MIN_OFF_DURATION_S" default:"600" yaml:"min_off_duration_s" json:"min_off_duration_s" validate:"gte=0"`
	SmoothingWindow     int     `envconfig:"LOADIQ_SMOOTHING_WINDOW" default:"6" yaml:"smoothing_window" json:"smoothing_window" validate:"gte=1"`
	BaselineWindow      int     `envconfig:"LOADIQ_BASELINE_WINDOW" default:"180" yaml:"baseline_window" json:"baseline_window" validate:"gte=1"`
	StartDeltaW         float64 `envconfig:"LOADIQ_START_DELTA_W" default:"400" yaml:"start_delta_w" json:"start_delta_w" validate:"gte=0"`
	StopDeltaW          float64 `envconfig:"LOADIQ_STOP_DELTA_W" default:"400" yaml:"stop_delta_w" json:"stop_delta_w" validate:"gte=0"`
	SpikeToleranceRatio float64 `envconfig:"LOADIQ_SPIKE_TOLERANCE_RATIO" default:"0.25" yaml:"spike_tolerance_ratio" json:"spike_tolerance_ratio" validate:"gte=0"`
	SpikeToleranceW     float64 `envconfig:"LOADIQ_SPIKE_TOLERANCE_W" default:"400" yaml:"spike_tolerance_w" json:"spike_tolerance_w" validate:"gte=0"`
	SpikeMinDurationS   float64 `envconfig:"LOADIQ_SPIKE_MIN_DURATION_S" default:"30" yaml:"spike_min_duration_s" json:"spike_min_duration_s" validate:"gte=0"`
}

// DefaultConfig returns the tuned defaults for an on/off air-to-water heat pump.
func DefaultConfig() Config {
	return Config{
		MinPowerW:           2000,
		MaxPowerW:           3500,
		MinDurationS:        300,
		MaxDurationS:        3600,
		MinOffDurationS:     600,
		SmoothingWindow:     6,
		BaselineWindow:      180,
		StartDeltaW:         400,
		StopDeltaW:          400,
		SpikeToleranceRatio: 0.25,
		SpikeToleranceW:     400,
		SpikeMinDurationS:   30,
	}
}

const (
	minConfirmationS   = 90.0
	maxConfirmationS   = 180.0
	confirmationFactor = 0.3
)

// ConfirmationWindow is how long a live run must be sustained before the
// pending estimator materializes it.
func (c Config) ConfirmationWindow() time.Duration {
	s := math.Min(maxConfirmationS, math.Max(minConfirmationS, confirmationFactor*c.MinDurationS))
	return time.Duration(s * float64(time.Second))
}

// Validate checks the cross-field rules the segment detector depends on.
func (c Config) Validate() error {
	fail := func(field string, msg string, value any) error {
		return types.NewAppErrorWithDetails(types.ErrCodeConfigInvalidDetection, msg, nil,
			map[string]any{"field": field, "value": value})
	}

	switch {
	case !(c.MinPowerW > 0):
		return fail("min_power_w", "min_power_w must be positive", c.MinPowerW)
	case c.MaxPowerW < c.MinPowerW:
		return fail("max_power_w", "max_power_w must not be below min_power_w", c.MaxPowerW)
	case !(c.MinDurationS > 0):
		return fail("min_duration_s", "min_duration_s must be positive", c.MinDurationS)
	case c.MaxDurationS < c.MinDurationS:
		return fail("max_duration_s", "max_duration_s must not be below min_duration_s", c.MaxDurationS)
	case c.MinOffDurationS < 0:
		return fail("min_off_duration_s", "min_off_duration_s must not be negative", c.MinOffDurationS)
	case c.SmoothingWindow < 1:
		return fail("smoothing_window", "smoothing_window must be at least 1", c.SmoothingWindow)
	case c.BaselineWindow < 1:
		return fail("baseline_window", "baseline_window must be at least 1", c.BaselineWindow)
	case c.StartDeltaW < 0 || c.StopDeltaW < 0:
		return fail("start_delta_w", "start/stop deltas must not be negative", fmt.Sprintf("%g/%g", c.StartDeltaW, c.StopDeltaW))
	case c.SpikeToleranceRatio < 0 || c.SpikeToleranceW < 0 || c.SpikeMinDurationS < 0:
		return fail("spike_tolerance", "spike parameters must not be negative", c.SpikeToleranceW)
	}
	return nil
}

// ValidateLive additionally checks the rules the pending estimator depends
// on. A confirmation window at or above min_duration_s would let the
// estimator confirm runs the detector rejects as too short.
func (c Config) ValidateLive() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if confirm := c.ConfirmationWindow().Seconds(); confirm >= c.MinDurationS {
		return types.NewAppErrorWithDetails(types.ErrCodeConfigInvalidDetection,
			fmt.Sprintf("confirmation window %.0fs must be shorter than min_duration_s", confirm), nil,
			map[string]any{"field": "min_duration_s", "value": c.MinDurationS})
	}
	return nil
}
