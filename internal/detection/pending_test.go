package detection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadiq/internal/types"
)

func pendingConfig() Config {
	cfg := DefaultConfig() // min duration 300 s gives a 90 s confirmation window
	cfg.SmoothingWindow = 1
	return cfg
}

func TestConfirmationWindow(t *testing.T) {
	tests := []struct {
		minDuration float64
		want        time.Duration
	}{
		{100, 90 * time.Second},
		{300, 90 * time.Second},
		{450, 135 * time.Second},
		{600, 180 * time.Second},
		{3600, 180 * time.Second},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.MinDurationS = tt.minDuration
		assert.Equal(t, tt.want, cfg.ConfirmationWindow(), "min_duration_s=%v", tt.minDuration)
	}
}

func TestEstimatePending_ExactlyConfirmed(t *testing.T) {
	cfg := pendingConfig()
	f := derivedFrame(t, cfg, repeat(2500, 10))

	seg, state, err := EstimatePending(f, cfg, PendingState{})
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, t0, seg.Start)
	assert.Equal(t, t0.Add(9*step), seg.End)
	assert.Equal(t, 90.0, seg.DurationS)
	assert.True(t, seg.Pending)
	assert.Equal(t, 2500.0, seg.MeanPowerW)
	assert.Equal(t, seg.EnergyKWh, seg.ClampedEnergyKWh)
	assert.Equal(t, t0, state.Start)
}

func TestEstimatePending_OneSampleShort(t *testing.T) {
	cfg := pendingConfig()
	f := derivedFrame(t, cfg, repeat(2500, 9))

	seg, state, err := EstimatePending(f, cfg, PendingState{})
	require.NoError(t, err)
	assert.Nil(t, seg)
	assert.True(t, state.Tracking(), "start is tracked before confirmation")
	assert.Equal(t, t0, state.Start)
}

func TestEstimatePending_AfterIdle(t *testing.T) {
	cfg := pendingConfig()
	f := derivedFrame(t, cfg, repeat(500, 20, 2500, 10))

	seg, _, err := EstimatePending(f, cfg, PendingState{})
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, t0.Add(20*step), seg.Start)
}

func TestEstimatePending_LongRunStartsAtRise(t *testing.T) {
	cfg := pendingConfig()
	f := derivedFrame(t, cfg, repeat(500, 20, 2500, 25))

	seg, state, err := EstimatePending(f, cfg, PendingState{})
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, t0.Add(20*step), seg.Start)
	assert.Equal(t, 240.0, seg.DurationS)
	assert.Equal(t, seg.Start, state.Start)
}

func TestEstimatePending_NotSustained(t *testing.T) {
	cfg := pendingConfig()
	f := derivedFrame(t, cfg, repeat(2500, 12, 500, 1, 2500, 3))

	seg, state, err := EstimatePending(f, cfg, PendingState{Start: t0})
	require.NoError(t, err)
	assert.Nil(t, seg)
	assert.False(t, state.Tracking(), "sustain failure resets the tracked start")
}

func TestEstimatePending_ShutdownDetected(t *testing.T) {
	cfg := DefaultConfig()
	f := derivedFrame(t, cfg, repeat(2500, 15, 1000, 1))

	seg, state, err := EstimatePending(f, cfg, PendingState{Start: t0})
	require.NoError(t, err)
	assert.Nil(t, seg)
	assert.False(t, state.Tracking())
}

func TestEstimatePending_NoRampNeedsHighAverage(t *testing.T) {
	cfg := pendingConfig()
	f := derivedFrame(t, cfg, repeat(1900, 12))

	seg, state, err := EstimatePending(f, cfg, PendingState{})
	require.NoError(t, err)
	assert.Nil(t, seg)
	assert.False(t, state.Tracking())

	// A run already tracked from an earlier refresh is not re-gated.
	seg, state, err = EstimatePending(f, cfg, PendingState{Start: t0})
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, t0, state.Start)
}

func TestEstimatePending_StartNeverMovesLater(t *testing.T) {
	cfg := pendingConfig()
	earlier := t0.Add(-5 * time.Minute)
	f := derivedFrame(t, cfg, repeat(2500, 10))

	seg, state, err := EstimatePending(f, cfg, PendingState{Start: earlier})
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, earlier, seg.Start)
	assert.Equal(t, earlier, state.Start)
	assert.Equal(t, 390.0, seg.DurationS)
}

func TestEstimatePending_StateIsPerCall(t *testing.T) {
	cfg := pendingConfig()
	f := derivedFrame(t, cfg, repeat(2500, 9))

	_, a, err := EstimatePending(f, cfg, PendingState{})
	require.NoError(t, err)
	_, b, err := EstimatePending(f, cfg, PendingState{})
	require.NoError(t, err)
	assert.Equal(t, a, b, "independent sessions with equal input see equal state")
}

func TestEstimatePending_ConfigErrors(t *testing.T) {
	cfg := pendingConfig()
	cfg.MinDurationS = 80
	f := derivedFrame(t, cfg, repeat(2500, 10))

	_, state, err := EstimatePending(f, cfg, PendingState{Start: t0})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeConfigInvalidDetection))
	assert.Equal(t, t0, state.Start, "state is returned unchanged on error")
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, DefaultConfig().ValidateLive())

	mutate := []func(*Config){
		func(c *Config) { c.MinPowerW = 0 },
		func(c *Config) { c.MaxPowerW = c.MinPowerW - 1 },
		func(c *Config) { c.MinDurationS = 0 },
		func(c *Config) { c.MaxDurationS = c.MinDurationS - 1 },
		func(c *Config) { c.MinOffDurationS = -1 },
		func(c *Config) { c.SmoothingWindow = 0 },
		func(c *Config) { c.BaselineWindow = 0 },
		func(c *Config) { c.StopDeltaW = -1 },
		func(c *Config) { c.SpikeToleranceW = -1 },
	}
	for i, m := range mutate {
		cfg := DefaultConfig()
		m(&cfg)
		err := cfg.Validate()
		assert.True(t, types.IsCode(err, types.ErrCodeConfigInvalidDetection), "case %d", i)
	}
}
