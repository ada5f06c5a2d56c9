package client

import (
	"context"
	"log/slog"

	"github.com/BetaCatPro/ws-relay/internal/auth"
	"github.com/BetaCatPro/ws-relay/internal/chat"
	"github.com/BetaCatPro/ws-relay/internal/conn"
	"github.com/BetaCatPro/ws-relay/internal/errors"
	"github.com/BetaCatPro/ws-relay/internal/metrics"
	"github.com/BetaCatPro/ws-relay/internal/realtime"
	"github.com/BetaCatPro/ws-relay/internal/utils"
	"github.com/BetaCatPro/ws-relay/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

type options struct {
	logger     *slog.Logger
	clock      clockwork.Clock
	tokens     auth.Provider
	registerer prometheus.Registerer
	dialer     *websocket.Dialer
	sound      bool
}

// Option 客户端选项
type Option func(*options)

// WithLogger 指定日志
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock 指定时钟
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithAuth 指定认证提供者，加入频道与发送消息时使用其访问令牌
func WithAuth(p auth.Provider) Option {
	return func(o *options) { o.tokens = p }
}

// WithMetrics 在 reg 上注册客户端指标
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithDialer 指定 websocket 拨号器
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithSound 是否播放提示音
func WithSound(enabled bool) Option {
	return func(o *options) { o.sound = enabled }
}

// Client 聊天中继客户端：实时传输、连接控制器与聊天会话的组合
type Client struct {
	id          string
	config      *types.Config
	logger      *slog.Logger
	tokens      auth.Provider
	errorCenter *errors.ErrorCenter
	realtime    *realtime.Client
	transport   *realtime.Transport
	controller  *conn.Controller
	session     *chat.Session
}

// NewClient 创建客户端，view 接收所有展示事件
func NewClient(config *types.Config, view chat.View, opts ...Option) *Client {
	o := options{
		logger: slog.Default(),
		clock:  clockwork.NewRealClock(),
		sound:  true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		id:          utils.GenerateSessionID(),
		config:      config,
		tokens:      o.tokens,
		errorCenter: errors.NewErrorCenter(),
	}
	c.logger = o.logger.With("session", c.id)

	m := metrics.Noop()
	if o.registerer != nil {
		m = metrics.New(o.registerer)
	}

	rtOpts := []realtime.Option{
		realtime.WithClock(o.clock),
		realtime.WithLogger(c.logger),
		realtime.WithErrorCenter(c.errorCenter),
	}
	if o.tokens != nil {
		rtOpts = append(rtOpts, realtime.WithTokenFunc(o.tokens.AccessToken))
	}
	if o.dialer != nil {
		rtOpts = append(rtOpts, realtime.WithDialer(o.dialer))
	}
	c.realtime = realtime.NewClient(config, rtOpts...)
	c.transport = realtime.NewTransport(c.realtime)

	sessOpts := []chat.Option{chat.WithLogger(c.logger), chat.WithSound(o.sound)}
	if o.tokens != nil {
		sessOpts = append(sessOpts, chat.WithTokenProvider(o.tokens))
	}
	c.session = chat.NewSession(config, view, sessOpts...)

	c.controller = conn.NewController(config, c.transport,
		conn.WithClock(o.clock),
		conn.WithLogger(c.logger),
		conn.WithMetrics(m),
		conn.WithListener(c.session),
	)
	c.session.Bind(c.controller)

	// 设置错误回调
	c.errorCenter.AddErrorCallback(c.handleError)
	return c
}

// Connect 开始连接；之后的断线与重连由控制器负责
func (c *Client) Connect(ctx context.Context) {
	c.controller.Connect(ctx)
}

// Reconnect 手动重连，也用于重试次数耗尽之后
func (c *Client) Reconnect() {
	c.controller.Reconnect()
}

// CheckConnection 立即检查连接是否存活，没有可用订阅时重新连接
func (c *Client) CheckConnection() {
	c.controller.CheckConnection()
}

// Session 聊天会话
func (c *Client) Session() *chat.Session {
	return c.session
}

// Status 当前状态文本
func (c *Client) Status() (string, bool) {
	return c.controller.Status()
}

// State 当前连接状态
func (c *Client) State() types.ConnectionState {
	return c.controller.State()
}

// GetID 会话ID
func (c *Client) GetID() string {
	return c.id
}

// GetStats 获取统计信息
func (c *Client) GetStats() types.ConnectionStats {
	stats := c.realtime.Stats()
	stats.ReconnectAttempts = c.controller.Attempts()
	return stats
}

// Close 停止控制器并关闭连接
func (c *Client) Close(ctx context.Context) {
	c.controller.Dispose(ctx)
	c.transport.Close()
	c.errorCenter.ClearCallbacks()
}

// Logout 关闭连接后注销登录
func (c *Client) Logout(ctx context.Context) error {
	c.Close(ctx)
	if s, ok := c.tokens.(interface{ SignOut(context.Context) error }); ok {
		return s.SignOut(ctx)
	}
	return nil
}

// handleError 处理传输层错误；恢复由控制器的状态回调驱动，这里只记录
func (c *Client) handleError(err error) {
	switch {
	case errors.Is(err, errors.ErrHeartbeatTimeout):
		c.logger.Warn("socket heartbeat timed out", "error", err)
	case errors.Is(err, errors.ErrInvalidFrame):
		c.logger.Warn("dropped invalid frame", "error", err)
	default:
		c.logger.Debug("transport error", "error", err)
	}
}
