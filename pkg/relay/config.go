// Package relay implements the middle-hop onion routing node.
package relay

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all relay node configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds the relay's own listen settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// CircuitConfig holds onion-routing circuit settings. They are parsed from
// YAML and the environment, but the relay node does not read them: the
// number of circuits is not capped and idle circuits are not timed out,
// whatever MaxCircuits and CircuitIdleTimeout are set to.
type CircuitConfig struct {
	MaxCircuits        int           `yaml:"max_circuits"`
	CircuitIdleTimeout time.Duration `yaml:"circuit_idle_timeout"`
}

// RateLimitConfig holds per-peer-address rate limiting settings for
// inbound tunnel handshakes.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	BurstSize         int           `yaml:"burst_size"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	BanDuration       time.Duration `yaml:"ban_duration"`
	MaxViolations     int           `yaml:"max_violations"`
}

// MetricsConfig holds the Prometheus HTTP endpoint's settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Port    int    `yaml:"port"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 7070,
		},
		Circuit: CircuitConfig{
			MaxCircuits:        10000,
			CircuitIdleTimeout: 0,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 100,
			BurstSize:         200,
			CleanupInterval:   10 * time.Minute,
			BanDuration:       1 * time.Hour,
			MaxViolations:     10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
	}
}

// LoadConfig loads configuration from a YAML file, layered on top of
// DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvironment overrides config values from environment variables.
func (c *Config) ApplyEnvironment() {
	if v := os.Getenv("RELAY_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("RELAY_MAX_CIRCUITS"); v != "" {
		if max, err := strconv.Atoi(v); err == nil {
			c.Circuit.MaxCircuits = max
		}
	}
	if v := os.Getenv("RELAY_CIRCUIT_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Circuit.CircuitIdleTimeout = d
		}
	}
	if v := os.Getenv("RELAY_RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RELAY_RATE_LIMIT_RPS"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.RequestsPerSecond = rps
		}
	}
	if v := os.Getenv("RELAY_METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RELAY_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Metrics.Port = port
		}
	}
}
