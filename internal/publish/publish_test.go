package publish

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadiq/internal/detection"
	"loadiq/internal/engine"
	"loadiq/internal/types"
)

var t0 = time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC)

// recordingLogger captures log messages by level.
type recordingLogger struct {
	mu     sync.Mutex
	infos  []string
	warns  []string
	errors []string
}

func (l *recordingLogger) Info(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

// fakeToken is a completed (or never completing) mqtt.Token.
type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.timeout {
		close(ch)
	}
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  interface{}
}

type fakeMQTT struct {
	msgs         []published
	token        *fakeToken
	disconnected bool
}

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.msgs = append(f.msgs, published{topic, qos, retained, payload})
	if f.token != nil {
		return f.token
	}
	return &fakeToken{}
}

func (f *fakeMQTT) Disconnect(uint) { f.disconnected = true }

type fakeCloudWatch struct {
	calls []*cloudwatch.PutMetricDataInput
	err   error
}

func (f *fakeCloudWatch) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

type fakeS3 struct {
	objects map[string][]byte
	failFor map[string]bool
	puts    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, failFor: map[string]bool{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.puts++
	if f.failFor[*in.Key] {
		return nil, errors.New("slow down")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func segment(start time.Time, minutes int) detection.Segment {
	d := time.Duration(minutes) * time.Minute
	return detection.Segment{
		Start:      start,
		End:        start.Add(d),
		DurationS:  d.Seconds(),
		MeanPowerW: 2000,
		PeakPowerW: 2100,
		EnergyKWh:  2000 * d.Hours() / 1000,
	}
}

func result(segs ...detection.Segment) *engine.Result {
	return &engine.Result{
		WindowStart:   t0,
		WindowEnd:     t0.Add(3 * time.Hour),
		Segments:      segs,
		CurrentPowerW: 480,
		AvgRuntimeMin: 20,
	}
}

func success(r *engine.Result) Outcome {
	return Outcome{SessionID: "default", Result: r, Latency: 250 * time.Millisecond, At: t0.Add(3 * time.Hour)}
}

func failure(err error) Outcome {
	return Outcome{SessionID: "default", Err: err, Latency: 40 * time.Millisecond, At: t0.Add(3 * time.Hour)}
}

func TestMQTTPublisher_PublishesRetainedState(t *testing.T) {
	client := &fakeMQTT{}
	log := &recordingLogger{}
	p := NewMQTTPublisher(MQTTPublisherConfig{Client: client, TopicPrefix: "loadiq/house", QoS: 1, Logger: log})

	r := result(segment(t0.Add(30*time.Minute), 20))
	r.IsActive = true
	r.ActiveSegment = &r.Segments[0]
	p.Publish(context.Background(), success(r))

	require.Len(t, client.msgs, 1)
	msg := client.msgs[0]
	assert.Equal(t, "loadiq/house/state", msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.True(t, msg.retained)

	var got StatePayload
	require.NoError(t, json.Unmarshal(msg.payload.([]byte), &got))
	assert.Equal(t, "default", got.SessionID)
	assert.True(t, got.IsActive)
	assert.Equal(t, 480.0, got.CurrentPowerW)
	assert.Equal(t, 1, got.SegmentCount)
	require.NotNil(t, got.ActiveSegment)
	assert.True(t, got.ActiveSegment.Start.Equal(t0.Add(30*time.Minute)))
	assert.Empty(t, log.errors)
}

func TestMQTTPublisher_SkipsFailedRefresh(t *testing.T) {
	client := &fakeMQTT{}
	p := NewMQTTPublisher(MQTTPublisherConfig{Client: client, TopicPrefix: "loadiq", Logger: &recordingLogger{}})

	p.Publish(context.Background(), failure(errors.New("boom")))

	assert.Empty(t, client.msgs)
}

func TestMQTTPublisher_LogsDeliveryProblems(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		log := &recordingLogger{}
		client := &fakeMQTT{token: &fakeToken{timeout: true}}
		p := NewMQTTPublisher(MQTTPublisherConfig{Client: client, TopicPrefix: "loadiq", Timeout: time.Millisecond, Logger: log})

		p.Publish(context.Background(), success(result()))

		assert.Equal(t, []string{"mqtt publish timed out"}, log.warns)
	})

	t.Run("broker error", func(t *testing.T) {
		log := &recordingLogger{}
		client := &fakeMQTT{token: &fakeToken{err: errors.New("not authorized")}}
		p := NewMQTTPublisher(MQTTPublisherConfig{Client: client, TopicPrefix: "loadiq", Logger: log})

		p.Publish(context.Background(), success(result()))

		assert.Equal(t, []string{"mqtt publish failed"}, log.errors)
	})
}

func TestMQTTPublisher_CloseMarksOffline(t *testing.T) {
	client := &fakeMQTT{}
	p := NewMQTTPublisher(MQTTPublisherConfig{Client: client, TopicPrefix: "loadiq", Logger: &recordingLogger{}})

	p.Close()

	require.Len(t, client.msgs, 1)
	assert.Equal(t, "loadiq/availability", client.msgs[0].topic)
	assert.Equal(t, "offline", client.msgs[0].payload)
	assert.True(t, client.msgs[0].retained)
	assert.True(t, client.disconnected)
}

func datum(t *testing.T, in *cloudwatch.PutMetricDataInput, name string) cwtypes.MetricDatum {
	t.Helper()
	for _, d := range in.MetricData {
		if *d.MetricName == name {
			return d
		}
	}
	t.Fatalf("metric %q not found", name)
	return cwtypes.MetricDatum{}
}

func dimension(dims []cwtypes.Dimension, name string) string {
	for _, d := range dims {
		if *d.Name == name {
			return *d.Value
		}
	}
	return ""
}

func TestMetricsPublisher_Success(t *testing.T) {
	cw := &fakeCloudWatch{}
	p := NewMetricsPublisher(cw, "", &recordingLogger{})

	r := result(segment(t0.Add(time.Hour), 15), segment(t0.Add(2*time.Hour), 25))
	r.IsActive = true
	p.Publish(context.Background(), success(r))

	require.Len(t, cw.calls, 1)
	in := cw.calls[0]
	assert.Equal(t, types.MetricNamespace, *in.Namespace)
	assert.Len(t, in.MetricData, 4)

	latency := datum(t, in, types.MetricRefreshLatency)
	assert.Equal(t, 250.0, *latency.Value)
	assert.Equal(t, cwtypes.StandardUnitMilliseconds, latency.Unit)
	assert.Equal(t, "default", dimension(latency.Dimensions, types.DimSession))

	assert.Equal(t, 2.0, *datum(t, in, types.MetricSegmentCount).Value)
	assert.Equal(t, 1.0, *datum(t, in, types.MetricActiveRun).Value)
	assert.Equal(t, 480.0, *datum(t, in, types.MetricNetPower).Value)
	for _, d := range in.MetricData {
		assert.True(t, d.Timestamp.Equal(t0.Add(3*time.Hour)))
	}
}

func TestMetricsPublisher_Failure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{
			name: "app error",
			err:  types.NewAppError(types.ErrCodeSourceUnavailable, "influx down", nil),
			code: string(types.ErrCodeSourceUnavailable),
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			code: string(types.ErrCodeInternalUnexpected),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cw := &fakeCloudWatch{}
			p := NewMetricsPublisher(cw, "Custom", &recordingLogger{})

			p.Publish(context.Background(), failure(tt.err))

			require.Len(t, cw.calls, 1)
			in := cw.calls[0]
			assert.Equal(t, "Custom", *in.Namespace)
			assert.Len(t, in.MetricData, 2)
			f := datum(t, in, types.MetricRefreshFailure)
			assert.Equal(t, 1.0, *f.Value)
			assert.Equal(t, tt.code, dimension(f.Dimensions, types.DimErrorCode))
			assert.Equal(t, "default", dimension(f.Dimensions, types.DimSession))
		})
	}
}

func TestMetricsPublisher_LogsPutError(t *testing.T) {
	log := &recordingLogger{}
	p := NewMetricsPublisher(&fakeCloudWatch{err: errors.New("throttled")}, "", log)

	p.Publish(context.Background(), success(result()))

	assert.Equal(t, []string{"failed to record refresh metrics"}, log.errors)
}

func decodeRecords(t *testing.T, body []byte) []ArchiveRecord {
	t.Helper()
	dec, err := zstd.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	defer dec.Close()

	var out []ArchiveRecord
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var rec ArchiveRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestArchivePublisher_Key(t *testing.T) {
	a := NewArchivePublisher(ArchivePublisherConfig{Prefix: "segments/house"})
	start := time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("CET", 3600))

	assert.Equal(t, "segments/house/2026/03/04/20260304T040607Z.jsonl.zst", a.Key(start))
}

func TestArchivePublisher_UploadsEachSegmentOnce(t *testing.T) {
	client := newFakeS3()
	a := NewArchivePublisher(ArchivePublisherConfig{Client: client, Bucket: "b", Prefix: "p", Logger: &recordingLogger{}})

	first := segment(t0.Add(30*time.Minute), 20)
	second := segment(t0.Add(90*time.Minute), 25)

	a.Publish(context.Background(), success(result(first)))
	a.Publish(context.Background(), success(result(first, second)))

	assert.Equal(t, 2, client.puts)
	require.Len(t, client.objects, 2)

	recs := decodeRecords(t, client.objects[a.Key(second.Start)])
	require.Len(t, recs, 1)
	assert.Equal(t, "default", recs[0].SessionID)
	assert.True(t, recs[0].Segment.Start.Equal(second.Start))
	assert.InDelta(t, second.EnergyKWh, recs[0].Segment.EnergyKWh, 1e-9)
}

func TestArchivePublisher_SkipsActiveAndTruncatedSegments(t *testing.T) {
	client := newFakeS3()
	a := NewArchivePublisher(ArchivePublisherConfig{Client: client, Bucket: "b", Logger: &recordingLogger{}})

	truncated := segment(t0, 10)
	closed := segment(t0.Add(time.Hour), 20)
	active := segment(t0.Add(170*time.Minute), 10)
	r := result(truncated, closed, active)
	r.ActiveSegment = &r.Segments[2]

	a.Publish(context.Background(), success(r))

	require.Len(t, client.objects, 1)
	assert.Contains(t, client.objects, a.Key(closed.Start))
}

func TestArchivePublisher_RetriesFailedUpload(t *testing.T) {
	client := newFakeS3()
	log := &recordingLogger{}
	a := NewArchivePublisher(ArchivePublisherConfig{Client: client, Bucket: "b", Logger: log})

	seg := segment(t0.Add(time.Hour), 20)
	client.failFor[a.Key(seg.Start)] = true
	a.Publish(context.Background(), success(result(seg)))
	assert.Empty(t, client.objects)
	assert.Equal(t, []string{"failed to archive segment"}, log.errors)

	client.failFor = map[string]bool{}
	a.Publish(context.Background(), success(result(seg)))
	assert.Len(t, client.objects, 1)
	assert.Equal(t, 2, client.puts)
}

func TestArchivePublisher_IgnoresFailures(t *testing.T) {
	client := newFakeS3()
	a := NewArchivePublisher(ArchivePublisherConfig{Client: client, Bucket: "b", Logger: &recordingLogger{}})

	a.Publish(context.Background(), failure(errors.New("boom")))

	assert.Zero(t, client.puts)
}

func TestEncodeRecords_MultipleLines(t *testing.T) {
	recs := []ArchiveRecord{
		{SessionID: "a", ArchivedAt: t0, Segment: segment(t0, 10)},
		{SessionID: "b", ArchivedAt: t0, Segment: segment(t0.Add(time.Hour), 10)},
	}
	body, err := EncodeRecords(recs)
	require.NoError(t, err)

	got := decodeRecords(t, body)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].SessionID)
	assert.Equal(t, "b", got[1].SessionID)
}

type countingPublisher struct {
	got    []Outcome
	closed bool
}

func (c *countingPublisher) Publish(_ context.Context, o Outcome) { c.got = append(c.got, o) }
func (c *countingPublisher) Close()                               { c.closed = true }

type plainPublisher struct{ n int }

func (p *plainPublisher) Publish(context.Context, Outcome) { p.n++ }

func TestFanout(t *testing.T) {
	a := &countingPublisher{}
	b := &plainPublisher{}
	f := Fanout{a, b}

	f.Publish(context.Background(), success(result()))
	f.Publish(context.Background(), failure(errors.New("boom")))
	f.Close()

	assert.Len(t, a.got, 2)
	assert.True(t, a.got[1].Failed())
	assert.Equal(t, 2, b.n)
	assert.True(t, a.closed)
}
