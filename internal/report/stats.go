package report

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"
)

// DailyStats aggregates the runs that started on one local date.
type DailyStats struct {
	Date             string   `json:"date"`
	Runs             int      `json:"runs"`
	RuntimeMin       float64  `json:"runtime_min"`
	AvgDurationMin   float64  `json:"avg_duration_min"`
	MeanTempC        *float64 `json:"mean_temp_c"`
	EnergyKWhRaw     float64  `json:"energy_kwh_raw"`
	EnergyKWhClamped float64  `json:"energy_kwh_clamped"`
}

// OverallStats summarizes every run in the range.
type OverallStats struct {
	TotalRuns             int     `json:"total_runs"`
	TotalRuntimeHours     float64 `json:"total_runtime_hours"`
	TotalEnergyRawKWh     float64 `json:"total_energy_raw_kwh"`
	TotalEnergyClampedKWh float64 `json:"total_energy_clamped_kwh"`
	AvgRunsPerDay         float64 `json:"avg_runs_per_day"`
	AvgDurationMin        float64 `json:"avg_duration_min"`
	MedianDurationMin     float64 `json:"median_duration_min"`
	P95DurationMin        float64 `json:"p95_duration_min"`
	SpikeRuns             int     `json:"spike_runs"`
	SpikeEnergyKWh        float64 `json:"spike_energy_kwh"`
}

// Stats is the result of ComputeStats. Total is the daily table's "Total" row.
type Stats struct {
	Overall OverallStats `json:"overall"`
	Daily   []DailyStats `json:"daily"`
	Total   DailyStats   `json:"total"`
}

// ComputeStats groups rows by the local date of their start in loc. It
// returns false when rows is empty.
func ComputeStats(rows []Row, loc *time.Location) (Stats, bool) {
	if len(rows) == 0 {
		return Stats{}, false
	}
	if loc == nil {
		loc = time.UTC
	}

	type acc struct {
		DailyStats
		tempSum float64
		tempN   int
	}
	byDate := map[string]*acc{}
	durations := make([]float64, 0, len(rows))
	var o OverallStats

	for _, r := range rows {
		date := r.Start.In(loc).Format("2006-01-02")
		a, ok := byDate[date]
		if !ok {
			a = &acc{DailyStats: DailyStats{Date: date}}
			byDate[date] = a
		}
		a.Runs++
		a.RuntimeMin += r.DurationMin
		a.EnergyKWhRaw += r.EnergyKWhRaw
		a.EnergyKWhClamped += r.EnergyKWhClamped
		if r.TemperatureC != nil && !math.IsNaN(*r.TemperatureC) {
			a.tempSum += *r.TemperatureC
			a.tempN++
		}

		durations = append(durations, r.DurationMin)
		o.TotalRuns++
		o.TotalRuntimeHours += r.DurationMin / 60
		o.TotalEnergyRawKWh += r.EnergyKWhRaw
		o.TotalEnergyClampedKWh += r.EnergyKWhClamped
		o.SpikeEnergyKWh += r.SpikeEnergyKWh
		if r.HasSpike {
			o.SpikeRuns++
		}
	}

	daily := make([]DailyStats, 0, len(byDate))
	tempMeanSum, tempMeanN := 0.0, 0
	for _, a := range byDate {
		a.AvgDurationMin = a.RuntimeMin / float64(a.Runs)
		if a.tempN > 0 {
			m := a.tempSum / float64(a.tempN)
			a.MeanTempC = &m
			tempMeanSum += m
			tempMeanN++
		}
		daily = append(daily, a.DailyStats)
	}
	sort.Slice(daily, func(i, j int) bool { return daily[i].Date < daily[j].Date })

	sort.Float64s(durations)
	o.AvgRunsPerDay = float64(o.TotalRuns) / float64(len(daily))
	o.AvgDurationMin = o.TotalRuntimeHours * 60 / float64(o.TotalRuns)
	o.MedianDurationMin = quantile(durations, 0.5)
	o.P95DurationMin = quantile(durations, 0.95)

	total := DailyStats{
		Date:             "Total",
		Runs:             o.TotalRuns,
		RuntimeMin:       o.TotalRuntimeHours * 60,
		AvgDurationMin:   o.AvgDurationMin,
		EnergyKWhRaw:     o.TotalEnergyRawKWh,
		EnergyKWhClamped: o.TotalEnergyClampedKWh,
	}
	if tempMeanN > 0 {
		m := tempMeanSum / float64(tempMeanN)
		total.MeanTempC = &m
	}
	return Stats{Overall: o, Daily: daily, Total: total}, true
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

// WriteStats renders the overall block followed by the daily table.
func WriteStats(w io.Writer, s Stats) error {
	var b strings.Builder
	o := s.Overall
	b.WriteString("Overall stats\n")
	for _, kv := range []struct {
		k string
		v string
	}{
		{"total runs", fmt.Sprint(o.TotalRuns)},
		{"total runtime hours", num(o.TotalRuntimeHours, 2)},
		{"total energy raw kwh", num(o.TotalEnergyRawKWh, 2)},
		{"total energy clamped kwh", num(o.TotalEnergyClampedKWh, 2)},
		{"avg runs per day", num(o.AvgRunsPerDay, 2)},
		{"avg duration min", num(o.AvgDurationMin, 1)},
		{"median duration min", num(o.MedianDurationMin, 1)},
		{"p95 duration min", num(o.P95DurationMin, 1)},
		{"spike runs", fmt.Sprint(o.SpikeRuns)},
		{"spike energy kwh", num(o.SpikeEnergyKWh, 3)},
	} {
		fmt.Fprintf(&b, "  %s: %s\n", kv.k, kv.v)
	}

	b.WriteString("\nDaily summary:\n")
	fmt.Fprintf(&b, "%-10s %5s %11s %16s %11s %14s %18s\n",
		"date", "runs", "runtime_min", "avg_duration_min", "mean_temp_c", "energy_kwh_raw", "energy_kwh_clamped")
	for _, d := range append(append([]DailyStats(nil), s.Daily...), s.Total) {
		temp := "-"
		if d.MeanTempC != nil {
			temp = num(*d.MeanTempC, 1)
		}
		fmt.Fprintf(&b, "%-10s %5d %11s %16s %11s %14s %18s\n",
			d.Date, d.Runs, num(d.RuntimeMin, 1), num(d.AvgDurationMin, 1), temp,
			num(d.EnergyKWhRaw, 2), num(d.EnergyKWhClamped, 2))
	}
	_, err := io.WriteString(w, b.String())
	return err
}
