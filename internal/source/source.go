// Package source retrieves raw per-entity power and temperature series from
// a time-series backend. Three backends are supported: InfluxDB (Flux over
// HTTP), the Home Assistant REST history API, and a recorded CSV file for
// offline replay.
//
// Every implementation returns series that are sorted, de-duplicated and free
// of NaN. Backend failures map onto source_* error codes so callers can tell
// "backend unreachable" from "no data in range".
package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"loadiq/internal/frame"
	"loadiq/internal/types"
)

// fetchConcurrencyLimit bounds parallel entity queries per refresh.
const fetchConcurrencyLimit = 4

// SeriesSource fetches one entity's series over [start, end). every is a
// resampling hint; backends that aggregate server-side honor it.
type SeriesSource interface {
	Fetch(ctx context.Context, ref types.EntityRef, start, end time.Time, every time.Duration) (types.Series, error)
}

// Request names everything one refresh cycle needs.
type Request struct {
	House       types.EntityRef
	KnownLoads  []types.KnownLoad
	Temperature *types.EntityRef
	Start       time.Time
	End         time.Time
	Every       time.Duration
}

// FetchInputs queries the house, known-load and temperature series
// concurrently. The first failure cancels the remaining queries and is
// returned. An empty house series is reported as source_no_data.
func FetchInputs(ctx context.Context, src SeriesSource, req Request, logger *slog.Logger) (frame.Inputs, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !req.End.After(req.Start) {
		return frame.Inputs{}, types.NewAppErrorWithDetails(types.ErrCodeInputInvalidWindow,
			"window end must be after start", nil,
			map[string]any{"start": req.Start, "end": req.End})
	}

	var (
		mu  sync.Mutex
		out = frame.Inputs{KnownLoads: make([]frame.NamedSeries, len(req.KnownLoads))}
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrencyLimit)

	fetch := func(ref types.EntityRef, store func(types.Series)) {
		g.Go(func() error {
			started := time.Now()
			s, err := src.Fetch(gCtx, ref, req.Start, req.End, req.Every)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", ref.EntityID, err)
			}
			logger.Debug("series fetched",
				"entity_id", ref.EntityID,
				"sample_count", len(s),
				"duration_ms", time.Since(started).Milliseconds(),
			)
			mu.Lock()
			store(s)
			mu.Unlock()
			return nil
		})
	}

	fetch(req.House, func(s types.Series) { out.House = s })
	for i, kl := range req.KnownLoads {
		fetch(kl.Entity, func(s types.Series) {
			out.KnownLoads[i] = frame.NamedSeries{Name: kl.Name, Series: s}
		})
	}
	if req.Temperature != nil {
		fetch(*req.Temperature, func(s types.Series) { out.Temperature = s })
	}

	if err := g.Wait(); err != nil {
		return frame.Inputs{}, err
	}

	if len(out.House) == 0 {
		return frame.Inputs{}, types.NewAppErrorWithDetails(types.ErrCodeSourceNoData,
			"no house power samples in window", nil,
			map[string]any{"entity_id": req.House.EntityID, "start": req.Start, "end": req.End})
	}
	return out, nil
}

// aggregate buckets samples onto every-aligned timestamps by mean. A
// non-positive every returns the normalized input unchanged.
func aggregate(s types.Series, every time.Duration) types.Series {
	s = s.Normalize()
	if every <= 0 || len(s) == 0 {
		return s
	}
	out := make(types.Series, 0, len(s))
	var (
		bucket time.Time
		sum    float64
		n      int
	)
	flush := func() {
		if n > 0 {
			out = append(out, types.Sample{Time: bucket, Value: sum / float64(n)})
		}
	}
	for _, sm := range s {
		b := sm.Time.Truncate(every)
		if !b.Equal(bucket) {
			flush()
			bucket, sum, n = b, 0, 0
		}
		sum += sm.Value
		n++
	}
	flush()
	return out
}

// forwardFill inserts the previous value into every empty bucket between the
// first and last sample. Home Assistant only records state changes, so a
// value holds until the next change.
func forwardFill(s types.Series, every time.Duration) types.Series {
	if every <= 0 || len(s) < 2 {
		return s
	}
	out := make(types.Series, 0, len(s))
	for i, sm := range s {
		if i > 0 {
			prev := out[len(out)-1]
			for t := prev.Time.Add(every); t.Before(sm.Time); t = t.Add(every) {
				out = append(out, types.Sample{Time: t, Value: prev.Value})
			}
		}
		out = append(out, sm)
	}
	return out
}
