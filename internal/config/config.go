// Package config defines the service configuration and how it is loaded from
// an optional YAML file overridden by SCANFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"
)

// StorageDriver selects the persistence backend.
type StorageDriver string

const (
	StorageDriverPostgres StorageDriver = "postgres"
	StorageDriverMemory   StorageDriver = "memory"
)

// ClusterMode selects how the workflow tick elects a leader.
type ClusterMode string

const (
	ClusterModeStandalone ClusterMode = "standalone"
	ClusterModeKubernetes ClusterMode = "kubernetes"
)

// Config represents the top-level configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service" mapstructure:"service"`
	Workflow  WorkflowConfig  `yaml:"workflow" mapstructure:"workflow"`
	Gateway   GatewayConfig   `yaml:"gateway" mapstructure:"gateway"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Kafka     KafkaConfig     `yaml:"kafka" mapstructure:"kafka"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
	Cluster   ClusterConfig   `yaml:"cluster" mapstructure:"cluster"`
	HTTP      HTTPConfig      `yaml:"http" mapstructure:"http"`
}

type ServiceConfig struct {
	Name     string `yaml:"name" mapstructure:"name"`
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
	// TimeZone is the IANA zone used for the poll schedule and the initial watermark.
	TimeZone string `yaml:"time_zone" mapstructure:"time_zone"`
}

type WorkflowConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	PageLimit     int           `yaml:"page_limit" mapstructure:"page_limit"`
	RecoveryLimit int           `yaml:"recovery_limit" mapstructure:"recovery_limit"`
}

type GatewayConfig struct {
	Addr         string        `yaml:"addr" mapstructure:"addr"`
	CertFile     string        `yaml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string        `yaml:"key_file" mapstructure:"key_file"`
	Hosts        []string      `yaml:"hosts" mapstructure:"hosts"`
	MaxFrameSize int           `yaml:"max_frame_size" mapstructure:"max_frame_size"`
	RateLimit    float64       `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst    int           `yaml:"rate_burst" mapstructure:"rate_burst"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

type StorageConfig struct {
	Driver         StorageDriver `yaml:"driver" mapstructure:"driver"`
	DSN            string        `yaml:"dsn" mapstructure:"dsn"`
	MigrationsPath string        `yaml:"migrations_path" mapstructure:"migrations_path"`
}

type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled" mapstructure:"enabled"`
	Brokers  []string `yaml:"brokers" mapstructure:"brokers"`
	Topic    string   `yaml:"topic" mapstructure:"topic"`
	GroupID  string   `yaml:"group_id" mapstructure:"group_id"`
	ClientID string   `yaml:"client_id" mapstructure:"client_id"`
	// Consume feeds the topic back into the orchestrator in addition to the
	// outbox poll.
	Consume bool `yaml:"consume" mapstructure:"consume"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" mapstructure:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
}

type ClusterConfig struct {
	Mode       ClusterMode `yaml:"mode" mapstructure:"mode"`
	Namespace  string      `yaml:"namespace" mapstructure:"namespace"`
	LeaseName  string      `yaml:"lease_name" mapstructure:"lease_name"`
	Identity   string      `yaml:"identity" mapstructure:"identity"`
	KubeConfig string      `yaml:"kube_config" mapstructure:"kube_config"`
}

type HTTPConfig struct {
	HealthAddr string `yaml:"health_addr" mapstructure:"health_addr"`
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.Workflow.PollInterval <= 0 {
		return invalid("workflow.poll_interval must be positive")
	}
	if c.Workflow.PageLimit <= 0 {
		return invalid("workflow.page_limit must be positive")
	}
	if _, err := time.LoadLocation(c.Service.TimeZone); err != nil {
		return invalid("service.time_zone %q: %v", c.Service.TimeZone, err)
	}
	if c.Gateway.Addr == "" {
		return invalid("gateway.addr is required")
	}
	if c.Gateway.MaxFrameSize <= 0 {
		return invalid("gateway.max_frame_size must be positive")
	}

	switch c.Storage.Driver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.Storage.DSN == "" {
			return invalid("storage.dsn is required for the postgres driver")
		}
	default:
		return invalid("unknown storage.driver %q", c.Storage.Driver)
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return invalid("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return invalid("kafka.topic is required when kafka is enabled")
		}
	}

	switch c.Cluster.Mode {
	case ClusterModeStandalone:
	case ClusterModeKubernetes:
		if c.Cluster.Namespace == "" || c.Cluster.LeaseName == "" || c.Cluster.Identity == "" {
			return invalid("cluster.namespace, cluster.lease_name and cluster.identity are required in kubernetes mode")
		}
	default:
		return invalid("unknown cluster.mode %q", c.Cluster.Mode)
	}

	return nil
}
