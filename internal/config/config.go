// Package config defines the configuration for LoadIQ processes: the
// time-series backend, the tracked entities, detection thresholds and the
// monitor's publishing targets.
//
// Values are resolved via a priority chain:
//
//	YAML file (Highest) -> OS Environment -> Dotenv File -> AWS SSM Parameter Store -> Defaults (Lowest)
//
// Configuration is loaded once at startup and is immutable thereafter.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // display timezones on hosts without zoneinfo

	"loadiq/internal/detection"
	"loadiq/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// DetectionConfig is the detector parameter set. It carries its own env and
// YAML tags and build-time validation.
type DetectionConfig = detection.Config

// Supported time-series backends.
const (
	BackendInfluxDB      = "influxdb"
	BackendHomeAssistant = "homeassistant"
	BackendCSV           = "csv"
)

// Config is the top-level configuration struct.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" default:"local" yaml:"-" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"loadiq" yaml:"-"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level" validate:"oneof=debug info warn error"`

	Backend       string              `envconfig:"LOADIQ_BACKEND" default:"influxdb" yaml:"backend" validate:"oneof=influxdb homeassistant csv"`
	Influx        InfluxConfig        `yaml:"influx"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	CSV           CSVConfig           `yaml:"csv"`

	Entities  EntitiesConfig  `yaml:"entities"`
	Detection DetectionConfig `yaml:"detection"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Labels    LabelsConfig    `yaml:"labels"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	AWS       AWSConfig       `yaml:"aws"`

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo `yaml:"-"`

	// Source is the YAML file that was overlaid, if any.
	Source string `ignored:"true" yaml:"-"`
}

// InfluxConfig holds the InfluxDB v2 connection.
type InfluxConfig struct {
	URL       string        `envconfig:"LOADIQ_INFLUX_URL" yaml:"url" validate:"omitempty,url"`
	Token     SecretString  `envconfig:"LOADIQ_INFLUX_TOKEN" yaml:"token"`
	Org       string        `envconfig:"LOADIQ_INFLUX_ORG" yaml:"org"`
	Bucket    string        `envconfig:"LOADIQ_INFLUX_BUCKET" yaml:"bucket"`
	VerifySSL bool          `envconfig:"LOADIQ_INFLUX_VERIFY_SSL" default:"true" yaml:"verify_ssl"`
	Timeout   time.Duration `envconfig:"LOADIQ_INFLUX_TIMEOUT" default:"30s" yaml:"timeout"`
}

// HomeAssistantConfig holds the Home Assistant REST connection.
type HomeAssistantConfig struct {
	URL     string        `envconfig:"LOADIQ_HA_URL" yaml:"url" validate:"omitempty,url"`
	Token   SecretString  `envconfig:"LOADIQ_HA_TOKEN" yaml:"token"`
	Timeout time.Duration `envconfig:"LOADIQ_HA_TIMEOUT" default:"30s" yaml:"timeout"`
}

// CSVConfig points at a recorded series file for offline replay.
type CSVConfig struct {
	Path string `envconfig:"LOADIQ_CSV_PATH" yaml:"path"`
}

// EntitiesConfig names the tracked measurements.
type EntitiesConfig struct {
	House      types.EntityRef `yaml:"house_power"`
	HouseID    string          `envconfig:"LOADIQ_HOUSE_ENTITY" yaml:"-"`
	OutdoorID  string          `envconfig:"LOADIQ_OUTDOOR_ENTITY" yaml:"-"`
	Outdoor    *types.EntityRef `ignored:"true" yaml:"outdoor_temp"`
	KnownLoads KnownLoads      `envconfig:"LOADIQ_KNOWN_LOADS" yaml:"known_loads"`
	EVEntityID string          `envconfig:"LOADIQ_EV_ENTITY" yaml:"-"`

	AggregateEvery     string `envconfig:"LOADIQ_AGGREGATE_EVERY" default:"10s" yaml:"aggregate_every"`
	InterpolationLimit int    `envconfig:"LOADIQ_INTERPOLATION_LIMIT" default:"36" yaml:"interpolation_limit" validate:"gte=0"`
	TemperatureLimit   int    `envconfig:"LOADIQ_TEMPERATURE_FILL_LIMIT" default:"180" yaml:"temperature_fill_limit" validate:"gte=0"`
}

// MonitorConfig controls the long-running refresh loop and its HTTP API.
type MonitorConfig struct {
	SessionID       string        `envconfig:"LOADIQ_SESSION_ID" default:"heatpump" yaml:"session_id" validate:"required"`
	UpdateInterval  time.Duration `envconfig:"UPDATE_INTERVAL" default:"1m" yaml:"update_interval" validate:"gt=0"`
	LookbackWindow  time.Duration `envconfig:"LOOKBACK_WINDOW" default:"3h" yaml:"lookback_window" validate:"gt=0"`
	RefreshTimeout  time.Duration `envconfig:"LOADIQ_REFRESH_TIMEOUT" default:"45s" yaml:"refresh_timeout" validate:"gt=0"`
	Port            string        `envconfig:"PORT" default:"8080" yaml:"port"`
	DisplayTimezone string        `envconfig:"LOADIQ_DISPLAY_TZ" default:"Europe/Stockholm" yaml:"display_timezone"`
}

// LabelsConfig locates the file-backed label store used when no database is
// configured.
type LabelsConfig struct {
	Path string `envconfig:"LOADIQ_LABELS_PATH" default:"labels.json" yaml:"path"`
}

// DatabaseConfig holds the optional PostgreSQL label store connection.
type DatabaseConfig struct {
	URL               SecretString  `envconfig:"DATABASE_URL" yaml:"url"`
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"4" yaml:"max_conns"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"1" yaml:"min_conns"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m" yaml:"max_conn_lifetime"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s" yaml:"acquire_timeout"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m" yaml:"health_check_period"`
}

// MQTTConfig holds the optional live-state broker connection.
type MQTTConfig struct {
	Broker      string       `envconfig:"LOADIQ_MQTT_BROKER" yaml:"broker"`
	ClientID    string       `envconfig:"LOADIQ_MQTT_CLIENT_ID" default:"loadiq-monitor" yaml:"client_id"`
	Username    string       `envconfig:"LOADIQ_MQTT_USERNAME" yaml:"username"`
	Password    SecretString `envconfig:"LOADIQ_MQTT_PASSWORD" yaml:"password"`
	TopicPrefix string       `envconfig:"LOADIQ_MQTT_TOPIC_PREFIX" default:"loadiq" yaml:"topic_prefix"`
	QoS         byte         `envconfig:"LOADIQ_MQTT_QOS" default:"1" yaml:"qos" validate:"lte=2"`
}

// AWSConfig holds the optional CloudWatch and S3 targets.
type AWSConfig struct {
	Region          string `envconfig:"AWS_REGION" default:"eu-north-1" yaml:"region"`
	EndpointURL     string `envconfig:"AWS_ENDPOINT_URL" yaml:"endpoint_url"`
	MetricsEnabled  bool   `envconfig:"LOADIQ_METRICS_ENABLED" default:"false" yaml:"metrics_enabled"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"LoadIQ" yaml:"metric_namespace"`
	ArchiveBucket   string `envconfig:"ARCHIVE_BUCKET" yaml:"archive_bucket"`
	ArchivePrefix   string `envconfig:"ARCHIVE_PREFIX" default:"segments" yaml:"archive_prefix"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required setting was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// or the YAML file into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
	// ErrFile indicates the configuration file could not be read.
	ErrFile ConfigErrorType = "FILE_FAILED"
)

// KnownLoads is a list of sub-metered loads. From the environment it is read
// as "name=entity_id" pairs separated by commas.
type KnownLoads []types.KnownLoad

// Decode implements envconfig.Decoder.
func (k *KnownLoads) Decode(value string) error {
	var out KnownLoads
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, entity, ok := strings.Cut(part, "=")
		if !ok {
			entity = name
			name = deriveName(entity)
		}
		name, entity = strings.TrimSpace(name), strings.TrimSpace(entity)
		if name == "" || entity == "" {
			return fmt.Errorf("invalid known load %q: want name=entity_id", part)
		}
		out = append(out, types.KnownLoad{Name: name, Entity: types.EntityRef{EntityID: entity}})
	}
	*k = out
	return nil
}

// deriveName turns "sensor.ev_charger_power" into "ev_charger_power".
func deriveName(entityID string) string {
	if _, rest, ok := strings.Cut(entityID, "."); ok {
		return rest
	}
	return entityID
}

// Step parses the aggregate frequency.
func (e EntitiesConfig) Step() (time.Duration, error) {
	return parseStep(e.AggregateEvery)
}

// HouseRef returns the house power entity with Influx defaults applied.
func (e EntitiesConfig) HouseRef() types.EntityRef {
	return e.House.WithDefaults()
}

// OutdoorRef returns the outdoor temperature entity, or nil when none is
// configured. Temperature defaults to the °C measurement.
func (e EntitiesConfig) OutdoorRef() *types.EntityRef {
	if e.Outdoor == nil || e.Outdoor.EntityID == "" {
		return nil
	}
	ref := *e.Outdoor
	if ref.Measurement == "" {
		ref.Measurement = "°C"
	}
	ref = ref.WithDefaults()
	return &ref
}

// Loads returns the known loads with Influx defaults applied.
func (e EntitiesConfig) Loads() []types.KnownLoad {
	out := make([]types.KnownLoad, len(e.KnownLoads))
	for i, kl := range e.KnownLoads {
		out[i] = types.KnownLoad{Name: kl.Name, Entity: kl.Entity.WithDefaults()}
	}
	return out
}

// Location resolves the display timezone, falling back to UTC.
func (m MonitorConfig) Location() *time.Location {
	if loc, err := time.LoadLocation(m.DisplayTimezone); err == nil {
		return loc
	}
	return time.UTC
}
