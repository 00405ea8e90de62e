package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadiq/internal/detection"
	"loadiq/internal/labels"
	"loadiq/internal/types"
)

var t0 = time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC)

const step = 10 * time.Second

// repeat concatenates (value, count) pairs.
func repeat(pairs ...float64) []float64 {
	var out []float64
	for i := 0; i+1 < len(pairs); i += 2 {
		for n := 0; n < int(pairs[i+1]); n++ {
			out = append(out, pairs[i])
		}
	}
	return out
}

func series(values []float64) types.Series {
	s := make(types.Series, len(values))
	for i, v := range values {
		s[i] = types.Sample{Time: t0.Add(time.Duration(i) * step), Value: v}
	}
	return s
}

// windowFor covers every sample of n values, ending one step after the last.
func windowFor(n int) Window {
	return Window{Start: t0, End: t0.Add(time.Duration(n) * step)}
}

type fakeSource struct {
	mu    sync.Mutex
	data  map[string]types.Series
	err   error
	calls int
}

func (f *fakeSource) Fetch(_ context.Context, ref types.EntityRef, start, end time.Time, _ time.Duration) (types.Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out types.Series
	for _, s := range f.data[ref.EntityID] {
		if !s.Time.Before(start) && s.Time.Before(end) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSource) set(values []float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = map[string]types.Series{"house_power": series(values)}
}

type failingStore struct{ err error }

func (s failingStore) List(context.Context) ([]types.LabelRecord, error) { return nil, s.err }
func (s failingStore) Upsert(context.Context, types.LabelRecord) error   { return s.err }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newPipeline(t *testing.T, src *fakeSource, store types.LabelStore) *Pipeline {
	t.Helper()
	return NewPipeline(PipelineConfig{
		Source: src,
		Labels: store,
		Entities: Entities{
			House:              types.EntityRef{EntityID: "house_power"}.WithDefaults(),
			Step:               step,
			InterpolationLimit: 36,
		},
		Detection: detection.DefaultConfig(),
	})
}

func TestCompute_ClosedRun(t *testing.T) {
	values := repeat(500, 18, 2500, 60, 600, 18)
	src := &fakeSource{}
	src.set(values)
	p := newPipeline(t, src, nil)

	res, state, err := p.Compute(context.Background(), windowFor(len(values)), detection.PendingState{})
	require.NoError(t, err)

	require.Len(t, res.Segments, 1)
	seg := res.Segments[0]
	assert.Equal(t, t0.Add(18*step), seg.Start)
	assert.Equal(t, 600.0, seg.DurationS)
	assert.Equal(t, types.ClassUnknown, seg.Classification)

	assert.Nil(t, res.Pending)
	assert.Nil(t, res.ActiveSegment)
	assert.False(t, res.IsActive)
	assert.Equal(t, 600.0, res.CurrentPowerW)
	assert.InDelta(t, 10.0, res.AvgRuntimeMin, 1e-9)
	assert.Equal(t, len(values), res.FrameRows)
	assert.False(t, state.Tracking())
}

func TestCompute_ShortLiveRunIsPending(t *testing.T) {
	values := repeat(500, 18, 2500, 15)
	src := &fakeSource{}
	src.set(values)
	p := newPipeline(t, src, nil)

	res, state, err := p.Compute(context.Background(), windowFor(len(values)), detection.PendingState{})
	require.NoError(t, err)

	assert.Empty(t, res.Segments)
	require.NotNil(t, res.Pending)
	assert.True(t, res.Pending.Pending)
	assert.Equal(t, t0.Add(18*step), res.Pending.Start)
	require.NotNil(t, res.ActiveSegment)
	assert.Equal(t, res.Pending.Start, res.ActiveSegment.Start)
	assert.True(t, res.IsActive)
	assert.Zero(t, res.AvgRuntimeMin)
	assert.Equal(t, t0.Add(18*step), state.Start)
	assert.Len(t, res.All(), 1)
}

func TestCompute_OpenTailSuppressesPending(t *testing.T) {
	values := repeat(500, 18, 2500, 40)
	src := &fakeSource{}
	src.set(values)
	p := newPipeline(t, src, nil)

	res, state, err := p.Compute(context.Background(), windowFor(len(values)), detection.PendingState{})
	require.NoError(t, err)

	require.Len(t, res.Segments, 1)
	assert.Nil(t, res.Pending, "the open tail already covers the live run")
	require.NotNil(t, res.ActiveSegment)
	assert.Equal(t, res.Segments[0].Start, res.ActiveSegment.Start)
	assert.True(t, res.IsActive)
	assert.True(t, state.Tracking(), "estimator state survives suppression")
}

func TestCompute_ClassifiesAgainstLabels(t *testing.T) {
	values := repeat(500, 18, 2500, 60, 600, 18)
	src := &fakeSource{}
	src.set(values)
	store := labels.NewFileStore(filepath.Join(t.TempDir(), "labels.json"))
	p := newPipeline(t, src, store)

	first, _, err := p.Compute(context.Background(), windowFor(len(values)), detection.PendingState{})
	require.NoError(t, err)
	require.Len(t, first.Segments, 1)

	seg := first.Segments[0]
	require.NoError(t, store.Upsert(context.Background(), types.LabelRecord{
		Start: seg.Start, End: seg.End, Label: types.LabelHeatpump, Features: seg.Features(),
	}))

	res, _, err := p.Compute(context.Background(), windowFor(len(values)), detection.PendingState{})
	require.NoError(t, err)
	assert.Equal(t, types.ClassHeatpump, res.Segments[0].Classification)
	assert.Equal(t, 1.0, res.Segments[0].Confidence)
	assert.Equal(t, 1, res.LabelCount)
}

func TestCompute_Errors(t *testing.T) {
	values := repeat(500, 18, 2500, 60, 600, 18)
	prev := detection.PendingState{Start: t0}

	t.Run("invalid window", func(t *testing.T) {
		src := &fakeSource{}
		p := newPipeline(t, src, nil)
		_, state, err := p.Compute(context.Background(), Window{Start: t0, End: t0}, prev)
		assert.True(t, types.IsCode(err, types.ErrCodeInputInvalidWindow))
		assert.Equal(t, prev, state)
		assert.Zero(t, src.calls)
	})

	t.Run("source failure", func(t *testing.T) {
		src := &fakeSource{err: types.NewAppError(types.ErrCodeSourceUnavailable, "down", nil)}
		p := newPipeline(t, src, nil)
		_, state, err := p.Compute(context.Background(), windowFor(len(values)), prev)
		assert.True(t, types.IsCode(err, types.ErrCodeSourceUnavailable))
		assert.Equal(t, prev, state)
	})

	t.Run("no data", func(t *testing.T) {
		src := &fakeSource{data: map[string]types.Series{}}
		p := newPipeline(t, src, nil)
		_, _, err := p.Compute(context.Background(), windowFor(len(values)), prev)
		assert.True(t, types.IsCode(err, types.ErrCodeSourceNoData))
	})

	t.Run("label store failure", func(t *testing.T) {
		src := &fakeSource{}
		src.set(values)
		storeErr := types.NewAppError(types.ErrCodeStoreFailure, "disk full", errors.New("enospc"))
		p := newPipeline(t, src, failingStore{err: storeErr})
		_, state, err := p.Compute(context.Background(), windowFor(len(values)), prev)
		assert.True(t, types.IsCode(err, types.ErrCodeStoreFailure))
		assert.Equal(t, prev, state)
	})
}

func TestActiveSegment_RecentlyEndedNeedsPower(t *testing.T) {
	seg := detection.Segment{Start: t0, End: t0.Add(10 * time.Minute)}
	r := &Result{WindowEnd: seg.End.Add(step), Segments: []detection.Segment{seg}}

	r.CurrentPowerW = 2100
	require.NotNil(t, activeSegment(r, step, 2000))

	r.CurrentPowerW = 1900
	assert.Nil(t, activeSegment(r, step, 2000))

	r.CurrentPowerW = 2100
	r.WindowEnd = seg.End.Add(2 * step)
	assert.Nil(t, activeSegment(r, step, 2000))
}

func TestSession_RefreshAndLabel(t *testing.T) {
	values := repeat(500, 18, 2500, 60, 600, 18)
	src := &fakeSource{}
	src.set(values)
	store := labels.NewFileStore(filepath.Join(t.TempDir(), "labels.json"))
	now := t0.Add(time.Duration(len(values)) * step)

	s := NewSession(SessionConfig{
		ID:       "heatpump",
		Pipeline: newPipeline(t, src, store),
		Lookback: now.Sub(t0),
		Clock:    fixedClock{now: now},
	})
	assert.Nil(t, s.Last())

	_, err := s.Label(context.Background(), t0, types.LabelHeatpump)
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundResult))

	res, err := s.Refresh(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, res.Segments, 1)
	assert.Same(t, res, s.Last())

	_, err = s.Label(context.Background(), t0, types.LabelHeatpump)
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundSegment))

	_, err = s.Label(context.Background(), res.Segments[0].Start, types.Label("boiler"))
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidLabel))

	rec, err := s.Label(context.Background(), res.Segments[0].Start, types.LabelHeatpump)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, res.Segments[0].Features(), rec.Features)

	last := s.Last()
	assert.Equal(t, types.ClassHeatpump, last.Segments[0].Classification)
	assert.Equal(t, 1, last.LabelCount)
	assert.Equal(t, types.ClassUnknown, res.Segments[0].Classification, "earlier result is not mutated")
}

func TestSession_PendingRunCannotBeLabeled(t *testing.T) {
	values := repeat(500, 18, 2500, 15)
	src := &fakeSource{}
	src.set(values)
	store := labels.NewFileStore(filepath.Join(t.TempDir(), "labels.json"))
	now := t0.Add(time.Duration(len(values)) * step)

	s := NewSession(SessionConfig{ID: "heatpump", Pipeline: newPipeline(t, src, store), Lookback: now.Sub(t0)})
	res, err := s.Refresh(context.Background(), now)
	require.NoError(t, err)
	require.NotNil(t, res.Pending)

	_, err = s.Label(context.Background(), res.Pending.Start, types.LabelHeatpump)
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundSegment))

	recs, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs, "a run still in progress is not stored")
}

func TestSession_FailedRefreshKeepsLastResult(t *testing.T) {
	values := repeat(500, 18, 2500, 15)
	src := &fakeSource{}
	src.set(values)
	now := t0.Add(time.Duration(len(values)) * step)

	s := NewSession(SessionConfig{ID: "heatpump", Pipeline: newPipeline(t, src, nil), Lookback: now.Sub(t0)})
	first, err := s.Refresh(context.Background(), now)
	require.NoError(t, err)
	tracked := s.State()
	require.True(t, tracked.Tracking())

	src.mu.Lock()
	src.err = errors.New("connection refused")
	src.mu.Unlock()

	_, err = s.Refresh(context.Background(), now.Add(time.Minute))
	require.Error(t, err)
	assert.Same(t, first, s.Last())
	assert.Equal(t, tracked, s.State())

	_, err = s.Label(context.Background(), t0, types.LabelOther)
	assert.True(t, types.IsCode(err, types.ErrCodeStoreFailure), "no store configured")
}

func TestSession_ConcurrentRefreshes(t *testing.T) {
	values := repeat(500, 18, 2500, 60, 600, 18)
	src := &fakeSource{}
	src.set(values)
	now := t0.Add(time.Duration(len(values)) * step)
	s := NewSession(SessionConfig{ID: "heatpump", Pipeline: newPipeline(t, src, nil), Lookback: now.Sub(t0)})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Refresh(context.Background(), now)
			assert.NoError(t, err)
			_ = s.Last()
		}()
	}
	wg.Wait()
	require.NotNil(t, s.Last())
	assert.Len(t, s.Last().Segments, 1)
}
