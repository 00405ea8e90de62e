package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Format is an export encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

var csvHeader = []string{
	"start", "end", "duration_min", "mean_power_w", "clamped_peak_w",
	"energy_kwh_raw", "energy_kwh_clamped", "spike_energy_kwh", "has_spike",
	"temperature_c", "classification", "confidence",
}

// FormatFor picks the export format from a file name. A trailing ".zst"
// selects zstd compression of the inner format. Anything other than ".json"
// is written as CSV.
func FormatFor(path string) (Format, bool) {
	lower := strings.ToLower(path)
	compressed := strings.HasSuffix(lower, ".zst")
	lower = strings.TrimSuffix(lower, ".zst")
	if filepath.Ext(lower) == ".json" {
		return FormatJSON, compressed
	}
	return FormatCSV, compressed
}

// WriteFile exports rows to path, creating parent directories.
func WriteFile(path string, rows []Row) (err error) {
	format, compressed := FormatFor(path)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var w io.Writer = f
	if compressed {
		enc, err := zstd.NewWriter(f)
		if err != nil {
			return fmt.Errorf("create zstd encoder: %w", err)
		}
		defer func() {
			if cerr := enc.Close(); err == nil && cerr != nil {
				err = cerr
			}
		}()
		w = enc
	}
	return Write(w, format, rows)
}

// Write encodes rows in format.
func Write(w io.Writer, format Format, rows []Row) error {
	switch format {
	case FormatJSON:
		return WriteJSON(w, rows)
	case FormatCSV:
		return WriteCSV(w, rows)
	}
	return fmt.Errorf("unsupported export format %q", format)
}

// WriteJSON writes rows as an indented JSON array.
func WriteJSON(w io.Writer, rows []Row) error {
	if rows == nil {
		rows = []Row{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

// WriteCSV writes rows with a header line. Times are RFC 3339 UTC and a
// missing temperature is an empty cell.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range rows {
		temp := ""
		if r.TemperatureC != nil {
			temp = fmtFloat(*r.TemperatureC)
		}
		rec := []string{
			r.Start.UTC().Format(time.RFC3339),
			r.End.UTC().Format(time.RFC3339),
			fmtFloat(r.DurationMin),
			fmtFloat(r.MeanPowerW),
			fmtFloat(r.ClampedPeakW),
			fmtFloat(r.EnergyKWhRaw),
			fmtFloat(r.EnergyKWhClamped),
			fmtFloat(r.SpikeEnergyKWh),
			strconv.FormatBool(r.HasSpike),
			temp,
			string(r.Classification),
			fmtFloat(r.Confidence),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
