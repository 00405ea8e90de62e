package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"loadiq/internal/types"
)

// CSVSource replays a recorded file with time,entity_id,value rows. Files
// ending in .zst are decompressed on load. The file is read once and kept in
// memory.
type CSVSource struct {
	path string

	once sync.Once
	data map[string]types.Series
	err  error
}

// NewCSVSource creates a CSVSource for path.
func NewCSVSource(path string) *CSVSource {
	return &CSVSource{path: path}
}

// Fetch returns the rows for ref within [start, end), averaged per every.
// Rows match on the exact entity id or on the id without its domain.
func (s *CSVSource) Fetch(ctx context.Context, ref types.EntityRef, start, end time.Time, every time.Duration) (types.Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.once.Do(func() { s.data, s.err = s.load() })
	if s.err != nil {
		return nil, s.err
	}

	all, ok := s.data[ref.EntityID]
	if !ok {
		all = s.data[alternateEntityID(ref.EntityID)]
	}
	var out types.Series
	for _, sm := range all {
		if !sm.Time.Before(start) && sm.Time.Before(end) {
			out = append(out, sm)
		}
	}
	return aggregate(out, every), nil
}

func (s *CSVSource) load() (map[string]types.Series, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeSourceUnavailable,
			"cannot open recorded series file", err, map[string]any{"path": s.path})
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(s.path, ".zst") {
		dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeSourceUnavailable, "failed to create zstd decoder", err)
		}
		defer dec.Close()
		r = dec
	}

	data, err := ReadRecorded(r)
	if err != nil {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeSourceBadQuery,
			"malformed recorded series file", err, map[string]any{"path": s.path})
	}
	return data, nil
}

// ReadRecorded parses time,entity_id,value rows (with a header row) into
// normalized per-entity series.
func ReadRecorded(r io.Reader) (map[string]types.Series, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if strings.ToLower(header[0]) != "time" || strings.ToLower(header[1]) != "entity_id" || strings.ToLower(header[2]) != "value" {
		return nil, fmt.Errorf("unexpected header %v, want time,entity_id,value", header)
	}

	data := make(map[string]types.Series)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: bad time %q", line, rec[0])
		}
		v, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			// Recorder exports contain "unavailable" states.
			continue
		}
		data[rec[1]] = append(data[rec[1]], types.Sample{Time: t, Value: v})
	}
	for id, s := range data {
		data[id] = s.Normalize()
	}
	return data, nil
}

// alternateEntityID toggles the domain prefix: "sensor.x" <-> "x".
func alternateEntityID(entityID string) string {
	if _, rest, ok := strings.Cut(entityID, "."); ok {
		return rest
	}
	return "sensor." + entityID
}
