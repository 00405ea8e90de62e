package publish

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"loadiq/internal/config"
	"loadiq/internal/types"
)

// FromConfig builds the publishers enabled in cfg. MQTT is enabled by a
// broker URL, CloudWatch by metrics_enabled and the archive by a bucket
// name. The returned Fanout may be empty.
func FromConfig(ctx context.Context, cfg *config.Config, logger types.Logger) (Fanout, error) {
	var out Fanout

	if cfg.MQTT.Broker != "" {
		client, err := ConnectMQTT(cfg.MQTT, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, NewMQTTPublisher(MQTTPublisherConfig{
			Client:      client,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			Logger:      logger,
		}))
	}

	if !cfg.AWS.MetricsEnabled && cfg.AWS.ArchiveBucket == "" {
		return out, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		out.Close()
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	if cfg.AWS.MetricsEnabled {
		cw := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		out = append(out, NewMetricsPublisher(cw, cfg.AWS.MetricNamespace, logger))
	}

	if cfg.AWS.ArchiveBucket != "" {
		s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
				o.UsePathStyle = true
			}
		})
		out = append(out, NewArchivePublisher(ArchivePublisherConfig{
			Client: s3Client,
			Bucket: cfg.AWS.ArchiveBucket,
			Prefix: cfg.AWS.ArchivePrefix,
			Logger: logger,
		}))
	}
	return out, nil
}
