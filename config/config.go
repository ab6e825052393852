// Package config loads and validates the service configuration from YAML
// with environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/pitfeed/errors"
)

// Environment variable overrides. Set values take precedence over the file.
const (
	envNATSURL      = "PITFEED_NATS_URL"
	envNATSToken    = "PITFEED_NATS_TOKEN"
	envMetricsAddr  = "PITFEED_METRICS_ADDR"
	envLogLevel     = "PITFEED_LOG_LEVEL"
	envDelaySeconds = "PITFEED_DELAY_SECONDS"
)

// Config is the complete service configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// EnableLiveData enables the live feed connection at startup. When
	// false the service starts idle and waits for a replay selection.
	EnableLiveData bool `yaml:"enable_live_data"`

	// InitialDelaySeconds is the delivery delay applied until changed at
	// runtime.
	InitialDelaySeconds int `yaml:"initial_delay_seconds"`

	// FeedBaseURL overrides the upstream timing endpoint. Empty uses the
	// default.
	FeedBaseURL string `yaml:"feed_base_url"`

	// ReplayMode starts the service directly in replay of
	// ReplayArchivePath instead of connecting live.
	ReplayMode bool `yaml:"replay_mode"`

	// ReplayArchivePath is the archive session path to replay at startup.
	ReplayArchivePath string `yaml:"replay_archive_path"`

	// CacheDir holds downloaded replay archives.
	CacheDir string `yaml:"cache_dir"`

	// MetricsAddr is the listen address for the Prometheus endpoint.
	// Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig defines the publication connection.
type NATSConfig struct {
	// URL of the NATS server. Empty disables publication; updates then go
	// to the in-process sink only.
	URL           string
	Name          string
	Username      string
	Password      string
	Token         string
	MaxReconnects int
	ReconnectWait time.Duration
}

// rawNATSConfig is the wire shape; reconnect_wait is a duration string.
type rawNATSConfig struct {
	URL           string `yaml:"url"`
	Name          string `yaml:"name"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	Token         string `yaml:"token"`
	MaxReconnects *int   `yaml:"max_reconnects"`
	ReconnectWait string `yaml:"reconnect_wait"`
}

// UnmarshalYAML overlays present keys onto the defaults already in place.
func (n *NATSConfig) UnmarshalYAML(value *yaml.Node) error {
	var r rawNATSConfig
	if err := value.Decode(&r); err != nil {
		return err
	}
	if r.URL != "" {
		n.URL = r.URL
	}
	if r.Name != "" {
		n.Name = r.Name
	}
	if r.Username != "" {
		n.Username = r.Username
	}
	if r.Password != "" {
		n.Password = r.Password
	}
	if r.Token != "" {
		n.Token = r.Token
	}
	if r.MaxReconnects != nil {
		n.MaxReconnects = *r.MaxReconnects
	}
	if r.ReconnectWait != "" {
		d, err := time.ParseDuration(r.ReconnectWait)
		if err != nil {
			return fmt.Errorf("nats.reconnect_wait: %w", err)
		}
		n.ReconnectWait = d
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:            "info",
		EnableLiveData:      true,
		InitialDelaySeconds: 0,
		CacheDir:            "cache",
		MetricsAddr:         ":9090",
		NATS: NATSConfig{
			Name:          "pitfeed",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
	}
}

// Load reads path over the defaults, applies environment overrides, and
// validates. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "parse config file")
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(envNATSURL); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv(envNATSToken); v != "" {
		c.NATS.Token = v
	}
	if v := os.Getenv(envMetricsAddr); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(envDelaySeconds); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.InitialDelaySeconds = n
		}
	}
}

// Validate checks the configuration and normalizes the log level.
func (c *Config) Validate() error {
	c.LogLevel = strings.ToLower(c.LogLevel)
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown log_level %q", c.LogLevel),
			"Config", "Validate", "check log level")
	}

	if c.InitialDelaySeconds < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("initial_delay_seconds must not be negative, got %d", c.InitialDelaySeconds),
			"Config", "Validate", "check delay")
	}

	if c.ReplayMode && c.ReplayArchivePath == "" {
		return errors.WrapInvalid(
			fmt.Errorf("replay_mode requires replay_archive_path"),
			"Config", "Validate", "check replay settings")
	}

	if c.CacheDir == "" {
		return errors.WrapInvalid(
			fmt.Errorf("cache_dir is required"),
			"Config", "Validate", "check cache dir")
	}

	if c.NATS.ReconnectWait <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("nats.reconnect_wait must be positive, got %s", c.NATS.ReconnectWait),
			"Config", "Validate", "check nats reconnect wait")
	}

	return nil
}

// SlogLevel maps the configured log level to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
