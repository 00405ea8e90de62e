// Command loadiq detects heat-pump runs in household power data from the
// command line: list recent runs, export a detection window, summarize daily
// statistics and record labels that train the classifier.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"loadiq/internal/config"
	"loadiq/internal/detection"
	"loadiq/internal/engine"
	"loadiq/internal/labels"
	"loadiq/internal/source"
	"loadiq/internal/timewindow"
	"loadiq/internal/types"
)

func main() {
	if err := newRootCmd(newApp(os.Stdout, os.Stderr)).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if hint := hintFor(err); hint != "" {
			fmt.Fprintln(os.Stderr, hint)
		}
		os.Exit(1)
	}
}

// app carries the state shared by subcommands. It is populated lazily so
// that `version` works without a valid configuration.
type app struct {
	configFile string
	logLevel   string
	stdout     io.Writer
	stderr     io.Writer

	cfg      *config.Config
	logger   *slog.Logger
	pipeline *engine.Pipeline
	store    types.LabelStore
	pool     *pgxpool.Pool
	now      func() time.Time
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout: stdout,
		stderr: stderr,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "loadiq",
		Short:         "Detect heat-pump runs in household power data",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(*cobra.Command, []string) {
			a.close()
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "configuration file (YAML or JSON)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	root.AddCommand(
		a.runsCmd(),
		a.detectCmd(),
		a.statsCmd(),
		a.labelCmd(),
		a.versionCmd(),
	)
	return root
}

// setup loads configuration and builds the pipeline and label store.
func (a *app) setup(ctx context.Context) error {
	if a.pipeline != nil {
		return nil
	}
	cfg, err := config.Load(config.LoadOptions{
		Provider: config.NewSecretProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL")),
		File:     a.configFile,
	})
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	a.cfg = cfg
	a.logger = newLogger(a.stderr, level)

	src, err := source.New(cfg, a.logger)
	if err != nil {
		return err
	}
	ents, err := engine.EntitiesFromConfig(cfg)
	if err != nil {
		return err
	}
	store, pool, err := labels.Open(ctx, cfg, a.logger)
	if err != nil {
		return err
	}
	a.store, a.pool = store, pool
	a.pipeline = engine.NewPipeline(engine.PipelineConfig{
		Source:    src,
		Labels:    store,
		Entities:  ents,
		Detection: cfg.Detection,
		Logger:    a.logger,
	})
	return nil
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func (a *app) location() *time.Location {
	return a.cfg.Monitor.Location()
}

// parser resolves window expressions against the current minute.
func (a *app) parser(def time.Duration) timewindow.Parser {
	return timewindow.Parser{
		Now:      a.now().Truncate(time.Minute),
		Location: a.location(),
		Default:  def,
	}
}

// compute runs the pipeline once over the window described by expr.
func (a *app) compute(ctx context.Context, expr string, def time.Duration) (*engine.Result, error) {
	w, err := a.parser(def).Parse(expr)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("computing window", "start", w.Start, "end", w.End, "expression", expr)
	res, _, err := a.pipeline.Compute(ctx, engine.Window{Start: w.Start, End: w.End}, detection.PendingState{})
	return res, err
}

// newLogger creates a text slog.Logger on w for the given level.
func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// hintFor returns extra guidance for errors a user can fix from the
// command line.
func hintFor(err error) string {
	switch types.CodeOf(err) {
	case types.ErrCodeInputInvalidWindow:
		if !strings.Contains(err.Error(), timewindow.SyntaxHelp) {
			return timewindow.SyntaxHelp
		}
	case types.ErrCodeSourceNoData:
		return "No samples were returned; check the entity ids and the window."
	case types.ErrCodeSourceUnavailable:
		return "The time-series backend could not be reached; check its URL and token."
	}
	return ""
}
