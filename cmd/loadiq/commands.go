package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"loadiq/internal/config"
	"loadiq/internal/engine"
	"loadiq/internal/report"
	"loadiq/internal/types"
)

const (
	runsDefaultWindow   = 3 * time.Hour
	detectDefaultWindow = 24 * time.Hour
	labelDefaultWindow  = 24 * time.Hour
)

// runsOutput is the --json form of `loadiq runs`.
type runsOutput struct {
	WindowStart   time.Time     `json:"window_start"`
	WindowEnd     time.Time     `json:"window_end"`
	IsActive      bool          `json:"is_active"`
	CurrentPowerW float64       `json:"current_power_w"`
	AvgRuntimeMin float64       `json:"avg_runtime_min"`
	Runs          []report.Row  `json:"runs"`
	Totals        report.Totals `json:"totals"`
}

func (a *app) runsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "runs [WINDOW]",
		Short: "List recent runs, including one still in progress",
		Long:  "List detected runs in WINDOW (default: the last 3 hours).\n\n" + windowHelp,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.setup(ctx); err != nil {
				return err
			}
			res, err := a.compute(ctx, firstArg(args), runsDefaultWindow)
			if err != nil {
				return err
			}
			rows := report.Rows(res.All())
			if asJSON {
				return writeJSON(a.stdout, runsOutput{
					WindowStart:   res.WindowStart,
					WindowEnd:     res.WindowEnd,
					IsActive:      res.IsActive,
					CurrentPowerW: res.CurrentPowerW,
					AvgRuntimeMin: res.AvgRuntimeMin,
					Runs:          rows,
					Totals:        report.Summarize(rows),
				})
			}
			a.printHeader(res)
			return report.WriteTable(a.stdout, rows, a.location())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func (a *app) detectCmd() *cobra.Command {
	var (
		output string
		mode   string
	)
	cmd := &cobra.Command{
		Use:   "detect [WINDOW]",
		Short: "Detect closed runs in a window and print or export them",
		Long: "Detect closed runs in WINDOW (default: the last 24 hours).\n" +
			"With --output the rows are written to a file whose extension selects the format:\n" +
			".csv, .json, optionally followed by .zst for zstd compression.\n\n" + windowHelp,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if mode != "table" && mode != "json" {
				return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidParam,
					"--mode must be table or json", nil, map[string]any{"mode": mode})
			}
			ctx := cmd.Context()
			if err := a.setup(ctx); err != nil {
				return err
			}
			res, err := a.compute(ctx, firstArg(args), detectDefaultWindow)
			if err != nil {
				return err
			}
			rows := report.Rows(res.Segments)

			if output != "" {
				if err := report.WriteFile(output, rows); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "Wrote %d runs to %s\n", len(rows), output)
				return nil
			}
			if mode == "json" {
				return report.WriteJSON(a.stdout, rows)
			}
			return report.WriteTable(a.stdout, rows, a.location())
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write rows to FILE (.csv, .json, .csv.zst, .json.zst)")
	cmd.Flags().StringVar(&mode, "mode", "table", "stdout format: table or json")
	return cmd
}

func (a *app) statsCmd() *cobra.Command {
	var (
		days   int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize runs per day over the last N days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days <= 0 {
				return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidParam,
					"--days must be positive", nil, map[string]any{"days": days})
			}
			ctx := cmd.Context()
			if err := a.setup(ctx); err != nil {
				return err
			}
			res, err := a.compute(ctx, fmt.Sprintf("last-%dd", days), detectDefaultWindow)
			if err != nil {
				return err
			}
			stats, ok := report.ComputeStats(report.Rows(res.Segments), a.location())
			if !ok {
				fmt.Fprintln(a.stdout, report.EmptyMessage)
				return nil
			}
			if asJSON {
				return writeJSON(a.stdout, stats)
			}
			return report.WriteStats(a.stdout, stats)
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "number of days to include")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of text")
	return cmd
}

func (a *app) labelCmd() *cobra.Command {
	var window string
	cmd := &cobra.Command{
		Use:   "label START heatpump|other",
		Short: "Label the run starting at START",
		Long: "Label the closed run starting at START so future runs are classified against it.\n" +
			"START accepts ISO8601 or relative forms like '-2h'. The run is looked up in\n" +
			"--window (default: the last 24 hours).",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			label := types.Label(args[1])
			if label != types.LabelHeatpump && label != types.LabelOther {
				return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidLabel,
					"label must be heatpump or other", nil, map[string]any{"label": args[1]})
			}
			ctx := cmd.Context()
			if err := a.setup(ctx); err != nil {
				return err
			}

			p := a.parser(labelDefaultWindow)
			w, err := p.Parse(window)
			if err != nil {
				return err
			}
			start, err := p.Timestamp(args[0], p.Now)
			if err != nil {
				return err
			}

			sess := engine.NewSession(engine.SessionConfig{
				ID:       a.cfg.Monitor.SessionID,
				Pipeline: a.pipeline,
				Lookback: w.Duration(),
				Logger:   a.logger,
			})
			res, err := sess.Refresh(ctx, w.End)
			if err != nil {
				return err
			}
			if seg, ok := nearestStart(res, start, a.pipeline.Step()); ok {
				start = seg
			}
			rec, err := sess.Label(ctx, start, label)
			if err != nil {
				return err
			}
			loc := a.location()
			fmt.Fprintf(a.stdout, "Labeled run %s - %s as %s\n",
				rec.Start.In(loc).Format("2006-01-02 15:04"),
				rec.End.In(loc).Format("2006-01-02 15:04"),
				rec.Label)
			return nil
		},
	}
	cmd.Flags().StringVar(&window, "window", "", "window to search for the run (default: last 24 hours)")
	return cmd
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintln(a.stdout, "loadiq", config.NewBuildInfo().String())
		},
	}
}

// printHeader writes the one-line live status above the runs table.
func (a *app) printHeader(res *engine.Result) {
	loc := a.location()
	state := "idle"
	if res.IsActive {
		state = "running"
	}
	fmt.Fprintf(a.stdout, "Window %s - %s | heat pump %s | net %.0f W | avg runtime %.1f min\n\n",
		res.WindowStart.In(loc).Format("2006-01-02 15:04"),
		res.WindowEnd.In(loc).Format("2006-01-02 15:04"),
		state, res.CurrentPowerW, res.AvgRuntimeMin)
}

// nearestStart snaps t to the start of the closed segment that begins within
// one step of it or contains it.
func nearestStart(res *engine.Result, t time.Time, step time.Duration) (time.Time, bool) {
	for _, seg := range res.Segments {
		d := seg.Start.Sub(t)
		if d < 0 {
			d = -d
		}
		if d <= step {
			return seg.Start, true
		}
	}
	for _, seg := range res.Segments {
		if seg.Contains(t) {
			return seg.Start, true
		}
	}
	return time.Time{}, false
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

const windowHelp = `Window expressions:
  default, auto              the command's default window
  last-15m ... last-24h      presets ending now
  today, yesterday           local calendar days
  last-<dur>, <dur>          e.g. last-90m, 2h30m, "1 day"
  A..B                       e.g. 2024-02-01..2024-02-02, -6h..-3h, yesterday..now
  START + DURATION           e.g. "2024-02-01 08:00 + 2h"`
