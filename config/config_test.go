package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.EnableLiveData)
	assert.Equal(t, 0, cfg.InitialDelaySeconds)
	assert.Equal(t, "cache", cfg.CacheDir)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Empty(t, cfg.NATS.URL)
	assert.Equal(t, -1, cfg.NATS.MaxReconnects)
	assert.Equal(t, 2*time.Second, cfg.NATS.ReconnectWait)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
enable_live_data: false
initial_delay_seconds: 45
cache_dir: /var/cache/pitfeed
nats:
  url: nats://nats:4222
  reconnect_wait: 5s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.EnableLiveData)
	assert.Equal(t, 45, cfg.InitialDelaySeconds)
	assert.Equal(t, "/var/cache/pitfeed", cfg.CacheDir)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.Equal(t, 5*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, ":9090", cfg.MetricsAddr, "unset fields keep defaults")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PITFEED_NATS_URL", "nats://override:4222")
	t.Setenv("PITFEED_LOG_LEVEL", "warn")
	t.Setenv("PITFEED_DELAY_SECONDS", "90")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "nats://override:4222", cfg.NATS.URL)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 90, cfg.InitialDelaySeconds)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"level normalized", func(c *Config) { c.LogLevel = "INFO" }, true},
		{"bad level", func(c *Config) { c.LogLevel = "verbose" }, false},
		{"negative delay", func(c *Config) { c.InitialDelaySeconds = -1 }, false},
		{"empty cache dir", func(c *Config) { c.CacheDir = "" }, false},
		{"zero reconnect wait", func(c *Config) { c.NATS.ReconnectWait = 0 }, false},
		{"replay mode without path", func(c *Config) { c.ReplayMode = true }, false},
		{"replay mode with path", func(c *Config) {
			c.ReplayMode = true
			c.ReplayArchivePath = "2024/monza/race/"
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	cfg.LogLevel = "error"
	assert.Equal(t, slog.LevelError, cfg.SlogLevel())
	cfg.LogLevel = "info"
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}
