package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"loadiq/internal/config"
	"loadiq/internal/detection"
	"loadiq/internal/types"
)

const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// MQTTClient is the subset of mqtt.Client the publisher uses.
type MQTTClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// StatePayload is the retained JSON document on <prefix>/state.
type StatePayload struct {
	SessionID     string             `json:"session_id"`
	IsActive      bool               `json:"is_active"`
	CurrentPowerW float64            `json:"current_power_w"`
	AvgRuntimeMin float64            `json:"avg_runtime_min"`
	SegmentCount  int                `json:"segment_count"`
	ActiveSegment *detection.Segment `json:"active_segment"`
	WindowEnd     time.Time          `json:"window_end"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// MQTTPublisher publishes the live state as a retained message.
type MQTTPublisher struct {
	client  MQTTClient
	prefix  string
	qos     byte
	timeout time.Duration
	logger  types.Logger
}

// MQTTPublisherConfig holds the configuration for creating an MQTTPublisher.
type MQTTPublisherConfig struct {
	Client      MQTTClient
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
	Logger      types.Logger
}

// NewMQTTPublisher creates an MQTTPublisher.
func NewMQTTPublisher(cfg MQTTPublisherConfig) *MQTTPublisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &MQTTPublisher{
		client:  cfg.Client,
		prefix:  cfg.TopicPrefix,
		qos:     cfg.QoS,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

// StateTopic returns the retained state topic.
func (p *MQTTPublisher) StateTopic() string { return p.prefix + "/state" }

// Publish sends the state of a successful refresh. Failed refreshes leave the
// previous retained state in place.
func (p *MQTTPublisher) Publish(_ context.Context, o Outcome) {
	if o.Failed() || o.Result == nil {
		return
	}
	r := o.Result
	body, err := json.Marshal(StatePayload{
		SessionID:     o.SessionID,
		IsActive:      r.IsActive,
		CurrentPowerW: r.CurrentPowerW,
		AvgRuntimeMin: r.AvgRuntimeMin,
		SegmentCount:  len(r.Segments),
		ActiveSegment: r.ActiveSegment,
		WindowEnd:     r.WindowEnd,
		UpdatedAt:     o.At.UTC(),
	})
	if err != nil {
		p.logger.Error("failed to encode mqtt state", "error", err.Error())
		return
	}

	topic := p.StateTopic()
	token := p.client.Publish(topic, p.qos, true, body)
	if !token.WaitTimeout(p.timeout) {
		p.logger.Warn("mqtt publish timed out", "topic", topic, "timeout_ms", p.timeout.Milliseconds())
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Error("mqtt publish failed", "topic", topic, "error", err.Error())
	}
}

// Close marks the monitor offline and disconnects.
func (p *MQTTPublisher) Close() {
	token := p.client.Publish(p.prefix+"/availability", p.qos, true, availabilityOffline)
	token.WaitTimeout(p.timeout)
	p.client.Disconnect(250)
}

// ConnectMQTT dials the broker. The client reconnects on its own and sets a
// retained last-will of "offline" on <prefix>/availability.
func ConnectMQTT(cfg config.MQTTConfig, logger types.Logger) (mqtt.Client, error) {
	availability := cfg.TopicPrefix + "/availability"

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password.Unmask())
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetWill(availability, availabilityOffline, cfg.QoS, true)
	opts.OnConnect = func(c mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker)
		c.Publish(availability, cfg.QoS, true, availabilityOnline)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err.Error())
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", cfg.Broker, token.Error())
	}
	return client, nil
}
