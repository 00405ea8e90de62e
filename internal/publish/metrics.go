package publish

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"loadiq/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ Publisher = (*MetricsPublisher)(nil)

// MetricsPublisher emits one PutMetricData call per refresh.
//
// Metrics emitted, all with the Session dimension:
//   - RefreshLatency: milliseconds, on every refresh
//   - SegmentCount, ActiveRun, NetPower: on success
//   - RefreshFailure: on failure, with an ErrorCode dimension
type MetricsPublisher struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewMetricsPublisher creates a MetricsPublisher. An empty namespace means
// types.MetricNamespace.
func NewMetricsPublisher(client CloudWatchClient, namespace string, logger types.Logger) *MetricsPublisher {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	return &MetricsPublisher{client: client, namespace: namespace, logger: logger}
}

// Publish implements Publisher.
func (m *MetricsPublisher) Publish(ctx context.Context, o Outcome) {
	session := cwtypes.Dimension{Name: aws.String(types.DimSession), Value: aws.String(o.SessionID)}
	ts := aws.Time(o.At.UTC())

	data := []cwtypes.MetricDatum{{
		MetricName: aws.String(types.MetricRefreshLatency),
		Value:      aws.Float64(float64(o.Latency.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Timestamp:  ts,
		Dimensions: []cwtypes.Dimension{session},
	}}

	if o.Failed() {
		code := string(types.CodeOf(o.Err))
		if code == "" {
			code = string(types.ErrCodeInternalUnexpected)
		}
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricRefreshFailure),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Timestamp:  ts,
			Dimensions: []cwtypes.Dimension{
				session,
				{Name: aws.String(types.DimErrorCode), Value: aws.String(code)},
			},
		})
	} else if r := o.Result; r != nil {
		active := 0.0
		if r.IsActive {
			active = 1
		}
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String(types.MetricSegmentCount),
				Value:      aws.Float64(float64(len(r.Segments))),
				Unit:       cwtypes.StandardUnitCount,
				Timestamp:  ts,
				Dimensions: []cwtypes.Dimension{session},
			},
			cwtypes.MetricDatum{
				MetricName: aws.String(types.MetricActiveRun),
				Value:      aws.Float64(active),
				Unit:       cwtypes.StandardUnitNone,
				Timestamp:  ts,
				Dimensions: []cwtypes.Dimension{session},
			},
			cwtypes.MetricDatum{
				MetricName: aws.String(types.MetricNetPower),
				Value:      aws.Float64(r.CurrentPowerW),
				Unit:       cwtypes.StandardUnitNone,
				Timestamp:  ts,
				Dimensions: []cwtypes.Dimension{session},
			},
		)
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record refresh metrics",
			"error", err.Error(),
			"session_id", o.SessionID,
			"metric_count", len(data),
		)
	}
}
