package source

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"loadiq/internal/external"
	"loadiq/internal/types"
)

// InfluxConfig holds the configuration for creating an InfluxSource.
type InfluxConfig struct {
	URL       string
	Token     types.SecretString
	Org       string
	Bucket    string
	Timeout   time.Duration
	VerifySSL bool
	UserAgent string
	Logger    *slog.Logger
}

// InfluxSource queries InfluxDB v2 with Flux. Home Assistant's InfluxDB
// integration writes one point per state change with the unit as the
// measurement and the entity id (without domain) as a tag.
type InfluxSource struct {
	base   *external.BaseClient
	cfg    InfluxConfig
	logger *slog.Logger
}

// fluxQuery is the JSON body of POST /api/v2/query.
type fluxQuery struct {
	Query   string      `json:"query"`
	Type    string      `json:"type"`
	Dialect fluxDialect `json:"dialect"`
}

type fluxDialect struct {
	Header      bool     `json:"header"`
	Annotations []string `json:"annotations"`
}

// NewInfluxSource creates an InfluxSource with the default retry policy.
func NewInfluxSource(cfg InfluxConfig, opts ...external.BaseClientOption) *InfluxSource {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "LoadIQ/1.0"
	}
	base := external.NewBaseClient(external.ClientConfig{
		Name:          "influxdb",
		Timeout:       cfg.Timeout,
		Retry:         external.DefaultRetryPolicy(),
		UserAgent:     cfg.UserAgent,
		SkipTLSVerify: !cfg.VerifySSL,
		Logger:        logger,
	}, opts...)
	cfg.URL = strings.TrimSuffix(cfg.URL, "/")
	return &InfluxSource{base: base, cfg: cfg, logger: logger}
}

// Fetch runs an aggregateWindow(mean) query for one entity.
func (s *InfluxSource) Fetch(ctx context.Context, ref types.EntityRef, start, end time.Time, every time.Duration) (types.Series, error) {
	ref = ref.WithDefaults()
	body, err := json.Marshal(fluxQuery{
		Query: BuildFlux(s.cfg.Bucket, ref, start, end, every),
		Type:  "flux",
		Dialect: fluxDialect{
			Header:      true,
			Annotations: []string{"datatype", "group", "default"},
		},
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode flux query", err)
	}

	endpoint := fmt.Sprintf("%s/api/v2/query?org=%s", s.cfg.URL, url.QueryEscape(s.cfg.Org))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeSourceBadQuery, "failed to build influx request", err)
	}
	req.Header.Set("Authorization", "Token "+s.cfg.Token.Unmask())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/csv")

	resp, err := s.base.Do(req)
	if err != nil {
		return nil, err
	}
	if err := external.CheckStatus(resp, "influxdb"); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	series, err := parseAnnotatedCSV(resp.Body)
	if err != nil {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeSourceBadQuery,
			"failed to parse influx response", err,
			map[string]any{"entity_id": ref.EntityID})
	}
	return series.Normalize(), nil
}

// BuildFlux renders the query for one entity. String values are quoted with
// Flux escaping.
func BuildFlux(bucket string, ref types.EntityRef, start, end time.Time, every time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %s)\n", fluxString(bucket))
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n",
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r[\"_measurement\"] == %s)\n", fluxString(ref.Measurement))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r[\"_field\"] == %s)\n", fluxString(ref.Field))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r[\"domain\"] == %s)\n", fluxString(ref.Domain))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r[\"entity_id\"] == %s)\n", fluxString(ref.EntityID))
	if every > 0 {
		fmt.Fprintf(&b, "  |> aggregateWindow(every: %s, fn: mean, createEmpty: false)\n", fluxDuration(every))
	}
	b.WriteString("  |> keep(columns: [\"_time\", \"_value\"])\n")
	b.WriteString("  |> yield(name: \"mean\")\n")
	return b.String()
}

func fluxString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "${", `\${`)
	return `"` + r.Replace(s) + `"`
}

// fluxDuration renders d as a Flux duration literal ("10s", "1500ms").
func fluxDuration(d time.Duration) string {
	if d%time.Second == 0 {
		return strconv.FormatInt(int64(d/time.Second), 10) + "s"
	}
	return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
}

// parseAnnotatedCSV reads the _time and _value columns of every table in an
// annotated CSV response. A new header row may start each table. An
// in-band error table ("error,reference") is returned as an error.
func parseAnnotatedCSV(r io.Reader) (types.Series, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	var out types.Series
	timeIdx, valIdx, errIdx := -1, -1, -1
	needHead := true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if len(rec) == 0 || strings.HasPrefix(rec[0], "#") {
			// Annotation rows precede a new table header.
			needHead = true
			continue
		}
		if needHead || isHeader(rec) {
			timeIdx, valIdx, errIdx = -1, -1, -1
			for i, col := range rec {
				switch col {
				case "_time":
					timeIdx = i
				case "_value":
					valIdx = i
				case "error":
					errIdx = i
				}
			}
			needHead = false
			continue
		}
		if errIdx >= 0 && errIdx < len(rec) {
			return nil, fmt.Errorf("influxdb: %s", rec[errIdx])
		}
		if timeIdx < 0 || valIdx < 0 || timeIdx >= len(rec) || valIdx >= len(rec) {
			return nil, errors.New("response has no _time/_value columns")
		}
		if rec[valIdx] == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[timeIdx])
		if err != nil {
			return nil, fmt.Errorf("bad _time %q: %w", rec[timeIdx], err)
		}
		v, err := strconv.ParseFloat(rec[valIdx], 64)
		if err != nil {
			return nil, fmt.Errorf("bad _value %q: %w", rec[valIdx], err)
		}
		out = append(out, types.Sample{Time: ts, Value: v})
	}
}

func isHeader(rec []string) bool {
	for _, col := range rec {
		if col == "_time" || col == "error" {
			return true
		}
	}
	return false
}
