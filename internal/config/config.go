// Package config loads operator and API settings from a YAML file, KUBEX_*
// environment variables and command line flags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable override.
const EnvPrefix = "KUBEX"

// Config is the root configuration.
type Config struct {
	// OperatorNamespace holds Application records and leases.
	OperatorNamespace string `mapstructure:"operatorNamespace"`

	API       APIConfig       `mapstructure:"api"`
	Manager   ManagerConfig   `mapstructure:"manager"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Health    HealthConfig    `mapstructure:"health"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	AWS       AWSConfig       `mapstructure:"aws"`
	Cost      CostConfig      `mapstructure:"cost"`
	Log       LogConfig       `mapstructure:"log"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	Port         string `mapstructure:"port"`
	AuthUser     string `mapstructure:"authUser"`
	AuthPassword string `mapstructure:"authPassword"`
}

// ManagerConfig configures the controller-runtime manager.
type ManagerConfig struct {
	MetricsAddr string `mapstructure:"metricsAddr"`
	ProbeAddr   string `mapstructure:"probeAddr"`
	LeaderElect bool   `mapstructure:"leaderElect"`
}

// LifecycleConfig tunes start/stop orchestration.
type LifecycleConfig struct {
	// DefaultRestoreSize is used on start when neither a saved size nor a
	// per-group default exists.
	DefaultRestoreSize int32         `mapstructure:"defaultRestoreSize"`
	LeaseDuration      time.Duration `mapstructure:"leaseDuration"`
	Verify             bool          `mapstructure:"verify"`
	VerifyTimeout      time.Duration `mapstructure:"verifyTimeout"`
	VerifyInterval     time.Duration `mapstructure:"verifyInterval"`
	VerifyMaxInterval  time.Duration `mapstructure:"verifyMaxInterval"`
	OutcomeHistory     int           `mapstructure:"outcomeHistory"`
}

// DiscoveryConfig configures ingress discovery.
type DiscoveryConfig struct {
	// ExcludeHosts holds exact hosts or trailing-* prefixes that are never registered.
	ExcludeHosts []string `mapstructure:"excludeHosts"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// AWSConfig selects the AWS region. Empty disables AWS backed scalers.
type AWSConfig struct {
	Region  string `mapstructure:"region"`
	Enabled bool   `mapstructure:"enabled"`
}

// CostConfig holds hourly rates in USD.
type CostConfig struct {
	NodeHourly     float64            `mapstructure:"nodeHourly"`
	ReplicaHourly  float64            `mapstructure:"replicaHourly"`
	DatabaseHourly map[string]float64 `mapstructure:"databaseHourly"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// SetDefaults registers default values on v. Every key must have a default
// so that AutomaticEnv can override it.
func SetDefaults(v *viper.Viper) {
	ns := os.Getenv("POD_NAMESPACE")
	if ns == "" {
		ns = "kubex"
	}
	v.SetDefault("operatorNamespace", ns)

	v.SetDefault("api.port", "8082")
	v.SetDefault("api.authUser", os.Getenv("KUBEX_AUTH_USER"))
	v.SetDefault("api.authPassword", os.Getenv("KUBEX_AUTH_PASSWORD"))

	v.SetDefault("manager.metricsAddr", ":8080")
	v.SetDefault("manager.probeAddr", ":8081")
	v.SetDefault("manager.leaderElect", false)

	v.SetDefault("lifecycle.defaultRestoreSize", 1)
	v.SetDefault("lifecycle.leaseDuration", 10*time.Minute)
	v.SetDefault("lifecycle.verify", true)
	v.SetDefault("lifecycle.verifyTimeout", 3*time.Minute)
	v.SetDefault("lifecycle.verifyInterval", 5*time.Second)
	v.SetDefault("lifecycle.verifyMaxInterval", 30*time.Second)
	v.SetDefault("lifecycle.outcomeHistory", 100)

	v.SetDefault("health.interval", time.Minute)
	v.SetDefault("discovery.excludeHosts", []string{})

	v.SetDefault("aws.region", "")
	v.SetDefault("aws.enabled", false)

	v.SetDefault("cost.nodeHourly", 0.096)
	v.SetDefault("cost.replicaHourly", 0.0)
	v.SetDefault("cost.databaseHourly", map[string]float64{
		"postgres": 0.136,
		"neo4j":    0.0,
	})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads configuration from path (optional), then the environment.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would make the operator misbehave.
func (c *Config) Validate() error {
	if c.OperatorNamespace == "" {
		return fmt.Errorf("operatorNamespace is required")
	}
	if c.Lifecycle.DefaultRestoreSize < 1 {
		return fmt.Errorf("lifecycle.defaultRestoreSize must be at least 1, got %d", c.Lifecycle.DefaultRestoreSize)
	}
	if c.Lifecycle.LeaseDuration <= 0 {
		return fmt.Errorf("lifecycle.leaseDuration must be positive")
	}
	if c.Lifecycle.Verify && c.Lifecycle.VerifyTimeout <= 0 {
		return fmt.Errorf("lifecycle.verifyTimeout must be positive when verify is enabled")
	}
	if c.AWS.Enabled && c.AWS.Region == "" {
		return fmt.Errorf("aws.region is required when aws.enabled is true")
	}
	return nil
}
