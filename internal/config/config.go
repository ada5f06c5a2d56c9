package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/BetaCatPro/ws-relay/internal/compression"
	"github.com/BetaCatPro/ws-relay/internal/protocol"
	"github.com/BetaCatPro/ws-relay/internal/utils"
	"github.com/BetaCatPro/ws-relay/pkg/types"
	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "WSRELAY_"

// Config 完整配置
type Config struct {
	Realtime  RealtimeConfig  `koanf:"realtime"`
	Reconnect ReconnectConfig `koanf:"reconnect"`
	Features  FeaturesConfig  `koanf:"features"`
	Chat      ChatConfig      `koanf:"chat"`
	Auth      AuthConfig      `koanf:"auth"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// RealtimeConfig 实时服务连接
type RealtimeConfig struct {
	URL             string        `koanf:"url"`
	APIKey          string        `koanf:"api_key"`
	Channel         string        `koanf:"channel"`
	Codec           string        `koanf:"codec"`
	Compression     string        `koanf:"compression"`
	JoinTimeout     time.Duration `koanf:"join_timeout"`
	SocketHeartbeat time.Duration `koanf:"socket_heartbeat"`
	BufferSize      int           `koanf:"buffer_size"`
}

// ReconnectConfig 重连与存活检查
type ReconnectConfig struct {
	BaseDelay         time.Duration `koanf:"base_delay"`
	Multiplier        float64       `koanf:"multiplier"`
	MaxDelay          time.Duration `koanf:"max_delay"`
	MaxAttempts       int           `koanf:"max_attempts"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
}

// FeaturesConfig 可选功能
type FeaturesConfig struct {
	AttachAuthToken bool `koanf:"attach_auth_token"`
	QueueStatus     bool `koanf:"queue_status"`
	UsageStatus     bool `koanf:"usage_status"`
}

// ChatConfig 聊天会话
type ChatConfig struct {
	Username string `koanf:"username"`
	Sound    bool   `koanf:"sound"`
}

// AuthConfig 认证服务
type AuthConfig struct {
	URL         string        `koanf:"url"`
	APIKey      string        `koanf:"api_key"`
	RequireMFA  bool          `koanf:"require_mfa"`
	RefreshSkew time.Duration `koanf:"refresh_skew"`
}

// ServerConfig 本地中继服务器
type ServerConfig struct {
	Addr        string `koanf:"addr"`
	APIKey      string `koanf:"api_key"`
	MetricsAddr string `koanf:"metrics_addr"`
}

// LoggingConfig 日志
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // text / json
}

// Load 依次加载默认值、TOML 文件 (可选) 与环境变量，然后校验
func Load(configPath string) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// 双下划线 (__) 保留字段名中的下划线
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
		s = strings.ReplaceAll(s, "_", ".")
		s = strings.ReplaceAll(s, "%UNDERSCORE%", "_")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	d := types.DefaultConfig()
	return &Config{
		Realtime: RealtimeConfig{
			URL:             "ws://localhost:8080/realtime/v1/websocket",
			Channel:         d.ChannelName,
			Codec:           d.Codec,
			JoinTimeout:     d.JoinTimeout,
			SocketHeartbeat: d.SocketHeartbeat,
			BufferSize:      d.BufferSize,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:         d.ReconnectBaseDelay,
			Multiplier:        d.ReconnectMultiplier,
			MaxDelay:          d.ReconnectMaxDelay,
			MaxAttempts:       d.MaxReconnectAttempts,
			HeartbeatInterval: d.HeartbeatInterval,
		},
		Features: FeaturesConfig{
			AttachAuthToken: d.AttachAuthToken,
			QueueStatus:     d.EnableQueueStatus,
			UsageStatus:     d.EnableUsageStatus,
		},
		Chat: ChatConfig{
			Sound: true,
		},
		Auth: AuthConfig{
			RequireMFA:  true,
			RefreshSkew: time.Minute,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if _, err := url.Parse(c.Realtime.URL); err != nil || !utils.IsValidURL(c.Realtime.URL) {
		return fmt.Errorf("realtime.url must be a ws:// or wss:// URL, got %q", c.Realtime.URL)
	}
	if c.Realtime.Channel == "" {
		return fmt.Errorf("realtime.channel is required")
	}
	if _, err := protocol.GetCodec(c.Realtime.Codec); err != nil {
		return fmt.Errorf("realtime.codec: %w", err)
	}
	if _, err := compression.GetCompressor(c.Realtime.Compression); err != nil {
		return fmt.Errorf("realtime.compression: %w", err)
	}
	if c.Realtime.JoinTimeout <= 0 {
		return fmt.Errorf("realtime.join_timeout must be positive")
	}
	if c.Realtime.BufferSize <= 0 {
		return fmt.Errorf("realtime.buffer_size must be positive")
	}

	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be positive")
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be >= 1, got %v", c.Reconnect.Multiplier)
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay (%s) must be >= base_delay (%s)", c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}
	if c.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("reconnect.max_attempts must be at least 1")
	}
	if c.Reconnect.HeartbeatInterval <= 0 {
		return fmt.Errorf("reconnect.heartbeat_interval must be positive")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// ToTypes 转换为运行时配置
func (c *Config) ToTypes() *types.Config {
	return &types.Config{
		URL:                  c.Realtime.URL,
		APIKey:               c.Realtime.APIKey,
		ChannelName:          c.Realtime.Channel,
		Username:             c.Chat.Username,
		Codec:                c.Realtime.Codec,
		Compression:          c.Realtime.Compression,
		JoinTimeout:          c.Realtime.JoinTimeout,
		BufferSize:           c.Realtime.BufferSize,
		SocketHeartbeat:      c.Realtime.SocketHeartbeat,
		ReconnectBaseDelay:   c.Reconnect.BaseDelay,
		ReconnectMultiplier:  c.Reconnect.Multiplier,
		ReconnectMaxDelay:    c.Reconnect.MaxDelay,
		MaxReconnectAttempts: c.Reconnect.MaxAttempts,
		HeartbeatInterval:    c.Reconnect.HeartbeatInterval,
		AttachAuthToken:      c.Features.AttachAuthToken,
		EnableQueueStatus:    c.Features.QueueStatus,
		EnableUsageStatus:    c.Features.UsageStatus,
	}
}

// NewLogger 按日志配置创建 slog.Logger
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(l.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}
