package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"

	"loadiq/internal/detection"
	"loadiq/internal/types"
)

// S3PutClient abstracts the S3 PutObject operation for testability.
type S3PutClient interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveRecord is one line of an archived object.
type ArchiveRecord struct {
	SessionID  string            `json:"session_id"`
	ArchivedAt time.Time         `json:"archived_at"`
	Segment    detection.Segment `json:"segment"`
}

// ArchivePublisherConfig holds the configuration for creating an
// ArchivePublisher.
type ArchivePublisherConfig struct {
	Client S3PutClient
	Bucket string
	Prefix string
	// EdgeGuard skips segments starting this close to the window start;
	// they are runs cut off by the lookback. Zero means one minute.
	EdgeGuard time.Duration
	Logger    types.Logger
}

// ArchivePublisher uploads every newly closed segment once per session.
// Objects are zstd-compressed JSON lines keyed
// <prefix>/<yyyy>/<mm>/<dd>/<start>.jsonl.zst.
type ArchivePublisher struct {
	client    S3PutClient
	bucket    string
	prefix    string
	edgeGuard time.Duration
	logger    types.Logger

	mu       sync.Mutex
	archived map[string]map[int64]struct{} // session -> segment start (unix ns)
}

// NewArchivePublisher creates an ArchivePublisher.
func NewArchivePublisher(cfg ArchivePublisherConfig) *ArchivePublisher {
	if cfg.EdgeGuard <= 0 {
		cfg.EdgeGuard = time.Minute
	}
	return &ArchivePublisher{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		edgeGuard: cfg.EdgeGuard,
		logger:    cfg.Logger,
		archived:  make(map[string]map[int64]struct{}),
	}
}

// Key returns the object key for a segment starting at start.
func (a *ArchivePublisher) Key(start time.Time) string {
	start = start.UTC()
	return path.Join(a.prefix,
		start.Format("2006"), start.Format("01"), start.Format("02"),
		start.Format("20060102T150405Z")+".jsonl.zst")
}

// Publish uploads closed segments not archived before. The active segment
// may still grow and is skipped, as are runs truncated by the window start.
// A failed upload is retried on the next refresh.
func (a *ArchivePublisher) Publish(ctx context.Context, o Outcome) {
	if o.Failed() || o.Result == nil {
		return
	}
	r := o.Result

	a.mu.Lock()
	defer a.mu.Unlock()

	seen, ok := a.archived[o.SessionID]
	if !ok {
		seen = make(map[int64]struct{})
		a.archived[o.SessionID] = seen
	}
	// Segments that started before the window cannot be reported again.
	for start := range seen {
		if start < r.WindowStart.UnixNano() {
			delete(seen, start)
		}
	}

	for _, seg := range r.Segments {
		if r.ActiveSegment != nil && r.ActiveSegment.Start.Equal(seg.Start) {
			continue
		}
		if seg.Start.Sub(r.WindowStart) < a.edgeGuard {
			continue
		}
		id := seg.Start.UnixNano()
		if _, done := seen[id]; done {
			continue
		}
		key := a.Key(seg.Start)
		if err := a.put(ctx, key, ArchiveRecord{SessionID: o.SessionID, ArchivedAt: o.At.UTC(), Segment: seg}); err != nil {
			a.logger.Error("failed to archive segment",
				"error", err.Error(),
				"session_id", o.SessionID,
				"key", key,
			)
			continue
		}
		seen[id] = struct{}{}
		a.logger.Info("segment archived", "session_id", o.SessionID, "key", key)
	}
}

func (a *ArchivePublisher) put(ctx context.Context, key string, rec ArchiveRecord) error {
	body, err := EncodeRecords([]ArchiveRecord{rec})
	if err != nil {
		return err
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("zstd"),
	})
	return err
}

// EncodeRecords renders records as zstd-compressed JSON lines.
func EncodeRecords(recs []ArchiveRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	je := json.NewEncoder(enc)
	for _, rec := range recs {
		if err := je.Encode(rec); err != nil {
			enc.Close()
			return nil, err
		}
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
