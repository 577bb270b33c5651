// Package config defines pulsar's configuration: the plugin descriptor
// section merged from the --config file, plus daemon, observability and
// pool tunables. Files are JSON; PULSAR_* environment variables override a
// few operational fields; command-line flags override both.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/oriys/pulsar/internal/plugin"
)

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	HTTPAddr  string `json:"http_addr"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"` // text, json
}

// PoolConfig holds worker pool tunables. Zero values keep the built-in
// defaults.
type PoolConfig struct {
	ReloadDelay time.Duration `json:"reload_delay"`
	// AgentPath overrides the worker binary; empty re-execs pulsar with
	// the agent subcommand.
	AgentPath string `json:"agent_path"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint"`     // localhost:4318
	ServiceName string  `json:"service_name"` // pulsar
	SampleRate  float64 `json:"sample_rate"`  // 1.0
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled"`
	Namespace        string    `json:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets"`
}

// Config is the root configuration document.
type Config struct {
	// Plugin is merged into the descriptor built from the command line:
	// the config file may set id, globals and concurrency, while the
	// module itself always comes from the MODULE argument.
	Plugin  plugin.Descriptor `json:"plugin"`
	Daemon  DaemonConfig      `json:"daemon"`
	Pool    PoolConfig        `json:"pool"`
	Tracing TracingConfig     `json:"tracing"`
	Metrics MetricsConfig     `json:"metrics"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			HTTPAddr:  ":8080",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Tracing: TracingConfig{
			ServiceName: "pulsar",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "pulsar",
		},
	}
}

// LoadFromFile reads a JSON config file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies PULSAR_* overrides to operational fields.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("PULSAR_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("PULSAR_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("PULSAR_LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
	if v := os.Getenv("PULSAR_AGENT_PATH"); v != "" {
		cfg.Pool.AgentPath = v
	}
	if v := os.Getenv("PULSAR_RELOAD_DELAY_S"); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s >= 0 {
			cfg.Pool.ReloadDelay = time.Duration(s) * time.Second
		}
	}
}

// Descriptor combines the config file's plugin section with the module URI
// from the command line. The module argument always wins; concurrency is
// floored at one by the descriptor itself.
func (c *Config) Descriptor(module string) plugin.Descriptor {
	d := c.Plugin
	d.Module = module
	return d
}
