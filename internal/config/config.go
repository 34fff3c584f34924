// Package config loads wardend configuration from file and environment.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Log holds logging configuration.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Audit holds audit trail configuration.
type Audit struct {
	// Backend selects the sink: "memory" or "badger".
	Backend string `yaml:"backend"`

	// Retain bounds the memory sink's ring size.
	Retain int `yaml:"retain"`

	// Encrypt seals badger-backed events at rest.
	Encrypt bool `yaml:"encrypt"`

	// KeyFile holds the base64 audit key; created on first use. The
	// WARDEN_AUDIT_KEY environment variable takes precedence.
	KeyFile string `yaml:"key_file"`
}

// Lifecycle holds the manager's tunables.
type Lifecycle struct {
	StopTimeout        time.Duration `yaml:"stop_timeout"`
	HealthInterval     time.Duration `yaml:"health_interval"`
	MetricsInterval    time.Duration `yaml:"metrics_interval"`
	ComplianceSchedule string        `yaml:"compliance_schedule"`
}

// Config is the wardend daemon configuration.
type Config struct {
	DataDir   string    `yaml:"data_dir"`
	Log       Log       `yaml:"log"`
	Audit     Audit     `yaml:"audit"`
	Lifecycle Lifecycle `yaml:"lifecycle"`
}

// Load reads configuration from the given file (optional) with WARDEN_*
// environment variable overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", "./data")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("audit.backend", "memory")
	v.SetDefault("audit.retain", 4096)
	v.SetDefault("audit.encrypt", false)
	v.SetDefault("audit.key_file", "")
	v.SetDefault("lifecycle.stop_timeout", "10s")
	v.SetDefault("lifecycle.health_interval", "30s")
	v.SetDefault("lifecycle.metrics_interval", "10s")
	v.SetDefault("lifecycle.compliance_schedule", "")

	v.SetEnvPrefix("WARDEN")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		DataDir: v.GetString("data_dir"),
		Log: Log{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Audit: Audit{
			Backend: v.GetString("audit.backend"),
			Retain:  v.GetInt("audit.retain"),
			Encrypt: v.GetBool("audit.encrypt"),
			KeyFile: v.GetString("audit.key_file"),
		},
		Lifecycle: Lifecycle{
			StopTimeout:        v.GetDuration("lifecycle.stop_timeout"),
			HealthInterval:     v.GetDuration("lifecycle.health_interval"),
			MetricsInterval:    v.GetDuration("lifecycle.metrics_interval"),
			ComplianceSchedule: v.GetString("lifecycle.compliance_schedule"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	switch c.Audit.Backend {
	case "memory", "badger":
	default:
		return fmt.Errorf("unknown audit backend: %s", c.Audit.Backend)
	}
	if c.Audit.Encrypt && c.Audit.Backend != "badger" {
		return fmt.Errorf("audit.encrypt requires the badger backend")
	}
	if c.Lifecycle.StopTimeout <= 0 {
		return fmt.Errorf("lifecycle.stop_timeout must be positive")
	}
	if c.Lifecycle.HealthInterval <= 0 {
		return fmt.Errorf("lifecycle.health_interval must be positive")
	}
	if c.Lifecycle.MetricsInterval <= 0 {
		return fmt.Errorf("lifecycle.metrics_interval must be positive")
	}
	return nil
}
