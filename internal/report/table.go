package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// EmptyMessage is printed instead of a table when there are no runs.
const EmptyMessage = "No runs detected for the requested window."

const tableTimeLayout = "2006-01-02 15:04"

var tableColumns = []string{
	"start",
	"end",
	"duration_min",
	"mean_power_w",
	"clamped_peak_w",
	"energy_kwh_raw",
	"energy_kwh_clamped",
	"spike_energy_kwh",
	"has_spike",
	"class",
}

// WriteTable renders rows as a left-aligned text table followed by a totals
// row. Timestamps are shown in loc.
func WriteTable(w io.Writer, rows []Row, loc *time.Location) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, EmptyMessage)
		return err
	}
	if loc == nil {
		loc = time.UTC
	}

	cells := make([][]string, 0, len(rows)+1)
	for _, r := range rows {
		cells = append(cells, []string{
			r.Start.In(loc).Format(tableTimeLayout),
			r.End.In(loc).Format(tableTimeLayout),
			num(r.DurationMin, 1),
			num(r.MeanPowerW, 0),
			num(r.ClampedPeakW, 0),
			num(r.EnergyKWhRaw, 2),
			num(r.EnergyKWhClamped, 2),
			num(r.SpikeEnergyKWh, 3),
			strconv.FormatBool(r.HasSpike),
			classCell(r),
		})
	}
	t := Summarize(rows)
	cells = append(cells, []string{
		fmt.Sprintf("Total (%d runs)", t.Runs),
		"",
		num(t.DurationMin, 1),
		num(t.AvgMeanPowerW, 0),
		num(t.MaxClampedPeakW, 0),
		num(t.EnergyKWhRaw, 2),
		num(t.EnergyKWhClamped, 2),
		num(t.SpikeEnergyKWh, 3),
		strconv.Itoa(t.SpikeRuns),
		"",
	})

	widths := make([]int, len(tableColumns))
	for i, c := range tableColumns {
		widths[i] = len(c)
	}
	for _, row := range cells {
		for i, c := range row {
			widths[i] = max(widths[i], len(c))
		}
	}

	var b strings.Builder
	writeLine(&b, tableColumns, widths)
	rule := make([]string, len(widths))
	for i, n := range widths {
		rule[i] = strings.Repeat("-", n)
	}
	writeLine(&b, rule, widths)
	for _, row := range cells {
		writeLine(&b, row, widths)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeLine(b *strings.Builder, cells []string, widths []int) {
	for i, c := range cells {
		if i > 0 {
			b.WriteByte(' ')
		}
		if i == len(cells)-1 {
			b.WriteString(c)
			continue
		}
		fmt.Fprintf(b, "%-*s", widths[i], c)
	}
	b.WriteByte('\n')
}

func classCell(r Row) string {
	if r.Classification == "" {
		return ""
	}
	if r.Confidence == 0 {
		return string(r.Classification)
	}
	return fmt.Sprintf("%s (%.2f)", r.Classification, r.Confidence)
}

func num(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}
