// Package config loads and validates Drift's configuration, following
// the teacher's Load/setDefaults/Validate three-phase shape with
// viper, renamed from a GitHub-runner-scaling config to the fleet
// reconciliation core's configuration enumeration (spec.md §6).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the reconciliation core.
type Config struct {
	ProvisionerID  string               `mapstructure:"provisioner_id"`
	KeyPrefix      string               `mapstructure:"key_prefix"`
	AllowedRegions []string             `mapstructure:"allowed_regions"`
	PublicKeyBody  string               `mapstructure:"public_key_body"`

	IterationIntervalMS               int           `mapstructure:"iteration_interval_ms"`
	CloudCallTimeout                  time.Duration `mapstructure:"cloud_call_timeout"`
	MaxInstanceLife                   time.Duration `mapstructure:"max_instance_life"`
	StallTimeout                      time.Duration `mapstructure:"stall_timeout"`
	InFlightTimeout                   time.Duration `mapstructure:"in_flight_timeout"`
	MaxIterationsForStateResolution   int           `mapstructure:"max_iterations_for_state_resolution"`

	WorkerTypeStore WorkerTypeStoreConfig `mapstructure:"worker_type_store"`
	Queue           QueueConfig           `mapstructure:"queue"`
	Server          ServerConfig          `mapstructure:"server"`
	Observability   ObservabilityConfig   `mapstructure:"observability"`
	LeaderElection  LeaderElectionConfig  `mapstructure:"leader_election"`

	DryRun   bool   `mapstructure:"dry_run"`
	LogLevel string `mapstructure:"log_level"`
}

// IterationInterval converts the raw millisecond count into a
// time.Duration. Kept as a plain int on the struct itself
// (spec.md §6: `iteration_interval_ms` (int; default 75000)) so a
// bare integer decodes the way the spec's own key name implies,
// rather than through viper's duration-string decode hook.
func (c *Config) IterationInterval() time.Duration {
	return time.Duration(c.IterationIntervalMS) * time.Millisecond
}

// WorkerTypeStoreConfig points at the read-only worker-type definition
// source (spec.md §1: the store itself is an external collaborator;
// this core only borrows a read interface).
type WorkerTypeStoreConfig struct {
	Path string `mapstructure:"path"`
}

// QueueConfig points at the external pending-task queue.
type QueueConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ServerConfig is the ambient HTTP surface: health/ready/metrics and
// the read-only status endpoint, never the CRUD surface (spec.md §1).
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type ObservabilityConfig struct {
	EnableMetrics   bool   `mapstructure:"enable_metrics"`
	MetricsPath     string `mapstructure:"metrics_path"`
	HealthCheckPath string `mapstructure:"health_check_path"`
	ReadinessPath   string `mapstructure:"readiness_path"`
	StatusPath      string `mapstructure:"status_path"`
}

type LeaderElectionConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	LockFilePath  string        `mapstructure:"lock_file_path"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	RenewDeadline time.Duration `mapstructure:"renew_deadline"`
	RetryPeriod   time.Duration `mapstructure:"retry_period"`
}

// Load reads configuration from environment variables (DRIFT_ prefix)
// and an optional config file, applying defaults first and validating
// last.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DRIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provisioner_id", "drift")
	v.SetDefault("key_prefix", "drift-")
	v.SetDefault("allowed_regions", []string{"us-east-1"})
	v.SetDefault("public_key_body", "")

	v.SetDefault("iteration_interval_ms", 75000)
	v.SetDefault("cloud_call_timeout", 30*time.Second)
	v.SetDefault("max_instance_life", 96*time.Hour)
	v.SetDefault("stall_timeout", 20*time.Minute)
	v.SetDefault("in_flight_timeout", 15*time.Minute)
	v.SetDefault("max_iterations_for_state_resolution", 20)

	v.SetDefault("worker_type_store.path", "/etc/drift/worker-types.json")

	v.SetDefault("queue.base_url", "")
	v.SetDefault("queue.token", "")
	v.SetDefault("queue.timeout", 10*time.Second)

	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)

	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.metrics_path", "/metrics")
	v.SetDefault("observability.health_check_path", "/health")
	v.SetDefault("observability.readiness_path", "/ready")
	v.SetDefault("observability.status_path", "/api/v1/status")

	v.SetDefault("leader_election.enabled", false)
	v.SetDefault("leader_election.lock_file_path", "/tmp/drift-leader.lock")
	v.SetDefault("leader_election.lease_duration", 15*time.Second)
	v.SetDefault("leader_election.renew_deadline", 10*time.Second)
	v.SetDefault("leader_election.retry_period", 2*time.Second)

	v.SetDefault("dry_run", false)
	v.SetDefault("log_level", "info")
}

// Validate checks the fields that, if wrong, would make the
// reconciler misbehave rather than merely look unusual.
func (c *Config) Validate() error {
	if c.ProvisionerID == "" {
		return fmt.Errorf("provisioner_id is required")
	}
	if c.KeyPrefix == "" {
		return fmt.Errorf("key_prefix is required")
	}
	if len(c.AllowedRegions) == 0 {
		return fmt.Errorf("allowed_regions must have at least one region")
	}
	if c.PublicKeyBody == "" {
		return fmt.Errorf("public_key_body is required")
	}

	if c.IterationIntervalMS <= 0 {
		return fmt.Errorf("iteration_interval_ms must be > 0")
	}
	if c.CloudCallTimeout <= 0 {
		return fmt.Errorf("cloud_call_timeout must be > 0")
	}
	if c.MaxInstanceLife <= 0 {
		return fmt.Errorf("max_instance_life must be > 0")
	}
	if c.StallTimeout <= 0 {
		return fmt.Errorf("stall_timeout must be > 0")
	}
	if c.InFlightTimeout <= 0 {
		return fmt.Errorf("in_flight_timeout must be > 0")
	}
	if c.MaxIterationsForStateResolution <= 0 {
		return fmt.Errorf("max_iterations_for_state_resolution must be > 0")
	}

	if c.WorkerTypeStore.Path == "" {
		return fmt.Errorf("worker_type_store.path is required")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	if c.LeaderElection.Enabled {
		if c.LeaderElection.LockFilePath == "" {
			return fmt.Errorf("leader_election.lock_file_path is required when enabled")
		}
		if c.LeaderElection.LeaseDuration <= 0 {
			return fmt.Errorf("leader_election.lease_duration must be > 0")
		}
		if c.LeaderElection.RenewDeadline <= 0 {
			return fmt.Errorf("leader_election.renew_deadline must be > 0")
		}
		if c.LeaderElection.RenewDeadline >= c.LeaderElection.LeaseDuration {
			return fmt.Errorf("leader_election.renew_deadline must be < lease_duration")
		}
	}

	return nil
}
