package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadiq/internal/detection"
	"loadiq/internal/engine"
	"loadiq/internal/types"
)

var t0 = time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC)

type fakeSession struct {
	last     *engine.Result
	labelErr error
	labeled  []types.LabelRecord
}

func (f *fakeSession) ID() string           { return "default" }
func (f *fakeSession) Last() *engine.Result { return f.last }

func (f *fakeSession) Label(_ context.Context, start time.Time, label types.Label) (types.LabelRecord, error) {
	if f.labelErr != nil {
		return types.LabelRecord{}, f.labelErr
	}
	rec := types.LabelRecord{ID: "rec-1", Start: start, End: start.Add(20 * time.Minute), Label: label}
	f.labeled = append(f.labeled, rec)
	return rec, nil
}

type fakeStore struct {
	recs []types.LabelRecord
	err  error
}

func (s *fakeStore) List(context.Context) ([]types.LabelRecord, error) { return s.recs, s.err }
func (s *fakeStore) Upsert(context.Context, types.LabelRecord) error   { return s.err }

type fakeProbe struct {
	name  string
	err   error
	panic bool
}

func (p fakeProbe) Name() string { return p.name }
func (p fakeProbe) Check(context.Context) error {
	if p.panic {
		panic("probe exploded")
	}
	return p.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seg(start time.Time, minutes int, class types.Classification) detection.Segment {
	d := time.Duration(minutes) * time.Minute
	return detection.Segment{
		Start:          start,
		End:            start.Add(d),
		DurationS:      d.Seconds(),
		MeanPowerW:     2000,
		Classification: class,
	}
}

func sampleResult() *engine.Result {
	pending := seg(t0.Add(170*time.Minute), 5, types.ClassUnknown)
	pending.Pending = true
	return &engine.Result{
		WindowStart:   t0,
		WindowEnd:     t0.Add(3 * time.Hour),
		Segments:      []detection.Segment{seg(t0.Add(30*time.Minute), 20, types.ClassHeatpump), seg(t0.Add(90*time.Minute), 15, types.ClassOther)},
		Pending:       &pending,
		ActiveSegment: &pending,
		IsActive:      true,
		CurrentPowerW: 2100,
		AvgRuntimeMin: 17.5,
		LabelCount:    3,
	}
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	s, err := NewServer(cfg)
	require.NoError(t, err)
	return s
}

func do(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func errorDetail(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestNewServer_RequiresSession(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, Config{Session: &fakeSession{last: sampleResult()}})

	rec := do(s, http.MethodGet, "/v1/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	var body struct {
		Data StatusResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "default", body.Data.SessionID)
	assert.True(t, body.Data.IsActive)
	assert.Equal(t, 2, body.Data.SegmentCount)
	assert.Equal(t, 3, body.Data.LabelCount)
	assert.Equal(t, 17.5, body.Data.AvgRuntimeMin)
	require.NotNil(t, body.Data.ActiveSegment)
	assert.True(t, body.Data.ActiveSegment.Pending)
}

func TestStatus_BeforeFirstRefresh(t *testing.T) {
	s := newTestServer(t, Config{Session: &fakeSession{}})

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	detail := errorDetail(t, rec)
	assert.Equal(t, string(types.ErrCodeNotFoundResult), detail.Code)
	assert.Equal(t, "req-42", detail.RequestID)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-Id"))
}

func TestSegments(t *testing.T) {
	s := newTestServer(t, Config{Session: &fakeSession{last: sampleResult()}})

	tests := []struct {
		name   string
		target string
		starts []time.Time
	}{
		{"closed only", "/v1/segments", []time.Time{t0.Add(30 * time.Minute), t0.Add(90 * time.Minute)}},
		{"with pending", "/v1/segments?include_pending=true", []time.Time{t0.Add(30 * time.Minute), t0.Add(90 * time.Minute), t0.Add(170 * time.Minute)}},
		{"by class", "/v1/segments?class=heatpump", []time.Time{t0.Add(30 * time.Minute)}},
		{"no match", "/v1/segments?class=uncertain", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(s, http.MethodGet, tt.target, "")
			require.Equal(t, http.StatusOK, rec.Code)

			var body struct {
				Data []detection.Segment `json:"data"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.NotNil(t, body.Data)
			require.Len(t, body.Data, len(tt.starts))
			for i, want := range tt.starts {
				assert.True(t, body.Data[i].Start.Equal(want), "segment %d starts at %v", i, body.Data[i].Start)
			}
		})
	}
}

func TestSegments_InvalidQuery(t *testing.T) {
	s := newTestServer(t, Config{Session: &fakeSession{last: sampleResult()}})

	for _, target := range []string{"/v1/segments?class=boiler", "/v1/segments?include_pending=maybe"} {
		rec := do(s, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.Equal(t, string(types.ErrCodeValidationInvalidParam), errorDetail(t, rec).Code, target)
	}
}

func TestListLabels(t *testing.T) {
	t.Run("records", func(t *testing.T) {
		store := &fakeStore{recs: []types.LabelRecord{{ID: "a", Start: t0, Label: types.LabelHeatpump}}}
		s := newTestServer(t, Config{Session: &fakeSession{}, Labels: store})

		rec := do(s, http.MethodGet, "/v1/labels", "")

		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Data []types.LabelRecord `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Data, 1)
		assert.Equal(t, types.LabelHeatpump, body.Data[0].Label)
	})

	t.Run("empty store renders an array", func(t *testing.T) {
		s := newTestServer(t, Config{Session: &fakeSession{}, Labels: &fakeStore{}})

		rec := do(s, http.MethodGet, "/v1/labels", "")

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"data":[]}`, rec.Body.String())
	})

	t.Run("store failure", func(t *testing.T) {
		store := &fakeStore{err: types.NewAppError(types.ErrCodeStoreFailure, "disk full", errors.New("ENOSPC"))}
		s := newTestServer(t, Config{Session: &fakeSession{}, Labels: store})

		rec := do(s, http.MethodGet, "/v1/labels", "")

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		detail := errorDetail(t, rec)
		assert.Equal(t, string(types.ErrCodeStoreFailure), detail.Code)
		assert.Equal(t, "disk full", detail.Message)
	})

	t.Run("no store", func(t *testing.T) {
		s := newTestServer(t, Config{Session: &fakeSession{}})

		rec := do(s, http.MethodGet, "/v1/labels", "")

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestCreateLabel(t *testing.T) {
	sess := &fakeSession{last: sampleResult()}
	s := newTestServer(t, Config{Session: sess})

	rec := do(s, http.MethodPost, "/v1/labels", `{"start":"2026-01-15T06:30:00Z","label":"heatpump"}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, sess.labeled, 1)
	assert.True(t, sess.labeled[0].Start.Equal(t0.Add(30*time.Minute)))
	assert.Equal(t, types.LabelHeatpump, sess.labeled[0].Label)

	var body struct {
		Data types.LabelRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rec-1", body.Data.ID)
}

func TestCreateLabel_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		labelErr error
		status   int
		code     types.ErrorCode
	}{
		{"empty body", "", nil, http.StatusBadRequest, errCodeInvalidJSON},
		{"malformed", `{"start":`, nil, http.StatusBadRequest, errCodeInvalidJSON},
		{"unknown field", `{"start":"2026-01-15T06:30:00Z","label":"other","note":"x"}`, nil, http.StatusBadRequest, errCodeInvalidJSON},
		{"missing start", `{"label":"other"}`, nil, http.StatusBadRequest, types.ErrCodeValidationMissingField},
		{"bad label", `{"start":"2026-01-15T06:30:00Z","label":"boiler"}`, nil, http.StatusBadRequest, types.ErrCodeValidationInvalidLabel},
		{"bad timestamp", `{"start":"yesterday","label":"other"}`, nil, http.StatusBadRequest, types.ErrCodeValidationInvalidTime},
		{
			name:     "unknown segment",
			body:     `{"start":"2026-01-15T07:00:00Z","label":"other"}`,
			labelErr: types.NewAppError(types.ErrCodeNotFoundSegment, "no closed segment starts at the given time", nil),
			status:   http.StatusNotFound,
			code:     types.ErrCodeNotFoundSegment,
		},
		{
			name:     "plain error is opaque",
			body:     `{"start":"2026-01-15T06:30:00Z","label":"other"}`,
			labelErr: errors.New("connection reset"),
			status:   http.StatusInternalServerError,
			code:     types.ErrCodeInternalUnexpected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &fakeSession{last: sampleResult(), labelErr: tt.labelErr}
			s := newTestServer(t, Config{Session: sess})

			rec := do(s, http.MethodPost, "/v1/labels", tt.body)

			assert.Equal(t, tt.status, rec.Code)
			detail := errorDetail(t, rec)
			assert.Equal(t, string(tt.code), detail.Code)
			assert.NotContains(t, detail.Message, "connection reset")
		})
	}
}

func TestHealth(t *testing.T) {
	t.Run("no probes", func(t *testing.T) {
		s := newTestServer(t, Config{Session: &fakeSession{}})
		rec := do(s, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
	})

	t.Run("all healthy", func(t *testing.T) {
		s := newTestServer(t, Config{Session: &fakeSession{}, HealthProbes: []HealthProbe{fakeProbe{name: "database"}}})
		rec := do(s, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		var body healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body.Components["database"].Status)
	})

	t.Run("failing and panicking probes", func(t *testing.T) {
		s := newTestServer(t, Config{Session: &fakeSession{}, HealthProbes: []HealthProbe{
			fakeProbe{name: "database", err: errors.New("connection refused")},
			fakeProbe{name: "refresh", panic: true},
		}})
		rec := do(s, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var body healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "unhealthy", body.Status)
		assert.Equal(t, "connection refused", body.Components["database"].Message)
		assert.Contains(t, body.Components["refresh"].Message, "probe panicked")
	})
}

func TestFreshnessProbe(t *testing.T) {
	now := t0.Add(3 * time.Hour)
	clock := func() time.Time { return now }

	p := FreshnessProbe{Session: &fakeSession{}, MaxAge: 3 * time.Minute, Now: clock}
	assert.Error(t, p.Check(context.Background()))

	p.Session = &fakeSession{last: sampleResult()}
	assert.NoError(t, p.Check(context.Background()))

	now = now.Add(5 * time.Minute)
	assert.ErrorContains(t, p.Check(context.Background()), "5m0s old")
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPingProbe(t *testing.T) {
	p := PingProbe{Label: "database", Target: pingerFunc(func(context.Context) error { return errors.New("down") })}
	assert.Equal(t, "database", p.Name())
	assert.EqualError(t, p.Check(context.Background()), "down")
}

func TestRecoverer(t *testing.T) {
	s := newTestServer(t, Config{Session: &fakeSession{}})
	s.router.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("kaboom") })

	rec := do(s, http.MethodGet, "/boom", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	detail := errorDetail(t, rec)
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), detail.Code)
	assert.NotEmpty(t, detail.RequestID)
}

func TestValidator_JSONFieldNames(t *testing.T) {
	v := NewValidator()

	err := v.ValidateStruct(LabelRequest{Label: "heatpump"})
	require.Error(t, err)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "start", appErr.Details["field"])

	assert.NoError(t, v.ValidateStruct(LabelRequest{Start: "2026-01-15T06:30:00Z", Label: "other"}))
}
