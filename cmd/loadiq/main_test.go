package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadiq/internal/report"
	"loadiq/internal/types"
)

var t0 = time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC)

const testWindow = "2026-01-15T06:00:00Z..2026-01-15T06:16:00Z"

// writeFixture records one 10-minute run at 06:03 UTC and returns a config
// file pointing at it.
func writeFixture(t *testing.T) (cfgPath, labelsPath string) {
	t.Helper()
	dir := t.TempDir()

	var b strings.Builder
	b.WriteString("time,entity_id,value\n")
	i := 0
	for _, seg := range []struct {
		v float64
		n int
	}{{500, 18}, {2500, 60}, {600, 18}} {
		for k := 0; k < seg.n; k++ {
			ts := t0.Add(time.Duration(i) * 10 * time.Second)
			fmt.Fprintf(&b, "%s,sensor.house_power,%g\n", ts.Format(time.RFC3339), seg.v)
			i++
		}
	}
	csvPath := filepath.Join(dir, "series.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(b.String()), 0o644))

	labelsPath = filepath.Join(dir, "labels.json")
	cfg := fmt.Sprintf(`backend: csv
csv:
  path: %s
entities:
  house_power:
    entity_id: sensor.house_power
  aggregate_every: 10s
labels:
  path: %s
monitor:
  display_timezone: UTC
`, csvPath, labelsPath)
	cfgPath = filepath.Join(dir, "loadiq.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	return cfgPath, labelsPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("APP_ENV", "local")
	t.Setenv("DATABASE_URL", "")
	var stdout, stderr bytes.Buffer
	a := newApp(&stdout, &stderr)
	a.now = func() time.Time { return t0.Add(time.Hour) }
	root := newRootCmd(a)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "loadiq dev"), out)
}

func TestDetect_JSON(t *testing.T) {
	cfg, _ := writeFixture(t)

	out, err := execute(t, "--config", cfg, "detect", testWindow, "--mode", "json")
	require.NoError(t, err)

	var rows []report.Row
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Start.Equal(t0.Add(3*time.Minute)))
	assert.InDelta(t, 10.0, rows[0].DurationMin, 1e-9)
	assert.Equal(t, types.ClassUnknown, rows[0].Classification)
}

func TestDetect_Table(t *testing.T) {
	cfg, _ := writeFixture(t)

	out, err := execute(t, "--config", cfg, "detect", testWindow)
	require.NoError(t, err)
	assert.Contains(t, out, "2026-01-15 06:03")
	assert.Contains(t, out, "Total (1 runs)")
}

func TestDetect_OutputFile(t *testing.T) {
	cfg, _ := writeFixture(t)
	path := filepath.Join(t.TempDir(), "out", "runs.csv")

	out, err := execute(t, "--config", cfg, "detect", testWindow, "--output", path)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("Wrote 1 runs to %s\n", path), out)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	assert.Len(t, lines, 2)
}

func TestDetect_InvalidMode(t *testing.T) {
	_, err := execute(t, "detect", "--mode", "xml")
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidParam))
}

func TestRuns_JSON(t *testing.T) {
	cfg, _ := writeFixture(t)

	out, err := execute(t, "--config", cfg, "runs", testWindow, "--json")
	require.NoError(t, err)

	var got runsOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.False(t, got.IsActive)
	assert.Equal(t, 600.0, got.CurrentPowerW)
	require.Len(t, got.Runs, 1)
	assert.Equal(t, 1, got.Totals.Runs)
}

func TestRuns_UnknownWindow(t *testing.T) {
	cfg, _ := writeFixture(t)

	_, err := execute(t, "--config", cfg, "runs", "yesterdy")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeInputInvalidWindow))
	assert.Contains(t, err.Error(), "yesterday")
	assert.Empty(t, hintFor(err))
}

func TestLabel(t *testing.T) {
	cfg, labelsPath := writeFixture(t)

	// Off by 20 seconds; snapped to the detected start.
	out, err := execute(t, "--config", cfg, "label", "2026-01-15T06:03:20Z", "heatpump", "--window", testWindow)
	require.NoError(t, err)
	assert.Equal(t, "Labeled run 2026-01-15 06:03 - 2026-01-15 06:13 as heatpump\n", out)

	body, err := os.ReadFile(labelsPath)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"heatpump"`)

	// The stored label now classifies the run.
	out, err = execute(t, "--config", cfg, "detect", testWindow, "--mode", "json")
	require.NoError(t, err)
	var rows []report.Row
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, types.ClassHeatpump, rows[0].Classification)
}

func TestLabel_Errors(t *testing.T) {
	cfg, _ := writeFixture(t)

	_, err := execute(t, "--config", cfg, "label", "2026-01-15T06:03:00Z", "boiler")
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidLabel))

	_, err = execute(t, "--config", cfg, "label", "2026-01-15T05:00:00Z", "other", "--window", testWindow)
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundSegment))
}

func TestStats_InvalidDays(t *testing.T) {
	cfg, _ := writeFixture(t)

	_, err := execute(t, "--config", cfg, "stats", "--days", "0")
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidParam))
}

func TestHintFor(t *testing.T) {
	assert.NotEmpty(t, hintFor(types.NewAppError(types.ErrCodeSourceNoData, "none", nil)))
	assert.Equal(t, "", hintFor(fmt.Errorf("plain")))
}
