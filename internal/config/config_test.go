package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "chat-room", cfg.Realtime.Channel)
	assert.Equal(t, 3*time.Second, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 1.5, cfg.Reconnect.Multiplier)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 10, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.HeartbeatInterval)
	assert.True(t, cfg.Features.QueueStatus)
	assert.True(t, cfg.Features.UsageStatus)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[realtime]
url = "wss://project.supabase.co/realtime/v1/websocket"
api_key = "anon"
channel = "ops-room"
codec = "protobuf"
compression = "snappy"
join_timeout = "5s"

[reconnect]
base_delay = "1s"
max_delay = "10s"
max_attempts = 4

[features]
attach_auth_token = true
usage_status = false

[chat]
username = "alice@example.com"

[logging]
level = "debug"
format = "json"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ops-room", cfg.Realtime.Channel)
	assert.Equal(t, 5*time.Second, cfg.Realtime.JoinTimeout)
	assert.Equal(t, time.Second, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 4, cfg.Reconnect.MaxAttempts)
	// 未设置的字段保留默认值
	assert.Equal(t, 1.5, cfg.Reconnect.Multiplier)
	assert.True(t, cfg.Features.AttachAuthToken)
	assert.False(t, cfg.Features.UsageStatus)

	tc := cfg.ToTypes()
	assert.Equal(t, "alice@example.com", tc.Username)
	assert.Equal(t, "protobuf", tc.Codec)
	assert.Equal(t, "snappy", tc.Compression)
	assert.Equal(t, 10*time.Second, tc.ReconnectMaxDelay)
	assert.True(t, tc.AttachAuthToken)
	assert.False(t, tc.EnableUsageStatus)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[reconnect]
max_attempts = 4
`)
	t.Setenv("WSRELAY_RECONNECT_MAX__ATTEMPTS", "7")
	t.Setenv("WSRELAY_REALTIME_API__KEY", "from-env")
	t.Setenv("WSRELAY_RECONNECT_BASE__DELAY", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, "from-env", cfg.Realtime.APIKey)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.BaseDelay)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"http url", func(c *Config) { c.Realtime.URL = "http://localhost" }, "realtime.url"},
		{"empty channel", func(c *Config) { c.Realtime.Channel = "" }, "realtime.channel"},
		{"unknown codec", func(c *Config) { c.Realtime.Codec = "xml" }, "realtime.codec"},
		{"unknown compression", func(c *Config) { c.Realtime.Compression = "lz4" }, "realtime.compression"},
		{"multiplier below one", func(c *Config) { c.Reconnect.Multiplier = 0.5 }, "multiplier"},
		{"max below base", func(c *Config) { c.Reconnect.MaxDelay = time.Second }, "max_delay"},
		{"no attempts", func(c *Config) { c.Reconnect.MaxAttempts = 0 }, "max_attempts"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	require.NoError(t, defaultConfig().Validate())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "attempt", 2)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"attempt":2`)
}
