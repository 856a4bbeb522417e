package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g.
// SCANFLOW_GATEWAY_ADDR overrides gateway.addr.
const EnvPrefix = "SCANFLOW"

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration to allow for different implementations like files, environment
// variables, or remote configuration services.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying source.
	// It returns the parsed configuration or an error if loading fails.
	Load(ctx context.Context) (*Config, error)
}

var _ Loader = (*FileLoader)(nil)

// FileLoader layers defaults, an optional YAML file and environment
// variables, in increasing precedence.
type FileLoader struct {
	// path is the filesystem path to the configuration file. Empty skips
	// the file.
	path string
	env  func(string) (string, bool)
}

// NewFileLoader creates a loader for path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path, env: os.LookupEnv}
}

// Load reads, merges and validates the configuration.
func (l *FileLoader) Load(_ context.Context) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if err := v.MergeConfigMap(raw); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}

	// Environment lookups go through l.env so tests need not touch the
	// process environment.
	for _, key := range v.AllKeys() {
		name := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if val, ok := l.env(name); ok {
			v.Set(key, envValue(val))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envValue splits comma separated lists so slice settings such as
// kafka.brokers can be given in one variable.
func envValue(val string) any {
	if strings.Contains(val, ",") {
		parts := strings.Split(val, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return val
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "scanflow")
	v.SetDefault("service.log_level", "info")
	v.SetDefault("service.time_zone", "UTC")

	v.SetDefault("workflow.poll_interval", "5s")
	v.SetDefault("workflow.page_limit", 100)
	v.SetDefault("workflow.recovery_limit", 10000)

	v.SetDefault("gateway.addr", ":9443")
	v.SetDefault("gateway.cert_file", "/etc/scanflow/tls/tls.crt")
	v.SetDefault("gateway.key_file", "/etc/scanflow/tls/tls.key")
	v.SetDefault("gateway.hosts", []string{})
	v.SetDefault("gateway.max_frame_size", 1<<20)
	v.SetDefault("gateway.rate_limit", 200.0)
	v.SetDefault("gateway.rate_burst", 400)
	v.SetDefault("gateway.write_timeout", "10s")

	v.SetDefault("storage.driver", string(StorageDriverPostgres))
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.migrations_path", "file://db/migrations")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "platform-events")
	v.SetDefault("kafka.group_id", "scanflow-orchestrator")
	v.SetDefault("kafka.client_id", "scanflow")
	v.SetDefault("kafka.consume", false)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.sample_rate", 0.1)

	v.SetDefault("cluster.mode", string(ClusterModeStandalone))
	v.SetDefault("cluster.namespace", "default")
	v.SetDefault("cluster.lease_name", "scanflow-orchestrator")
	v.SetDefault("cluster.identity", "")
	v.SetDefault("cluster.kube_config", "")

	v.SetDefault("http.health_addr", ":8080")
}
