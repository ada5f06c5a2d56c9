package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/BetaCatPro/ws-relay/internal/conn"
	"github.com/BetaCatPro/ws-relay/internal/errors"
	"github.com/BetaCatPro/ws-relay/internal/protocol"
	"github.com/BetaCatPro/ws-relay/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// ProtocolVersion 连接时声明的协议版本
const ProtocolVersion = "1.0.0"

// TokenFunc 返回加入频道时携带的访问令牌
type TokenFunc func(ctx context.Context) (string, error)

// Option 客户端选项
type Option func(*Client)

// WithClock 指定时钟
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithLogger 指定日志
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTokenFunc 指定访问令牌来源
func WithTokenFunc(fn TokenFunc) Option {
	return func(c *Client) { c.token = fn }
}

// WithErrorCenter 指定错误处理中心
func WithErrorCenter(ec *errors.ErrorCenter) Option {
	return func(c *Client) { c.errorCenter = ec }
}

// WithDialer 指定拨号器
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// Client 实时服务客户端，一个 socket 上承载多个频道
type Client struct {
	cfg         *types.Config
	dialer      *websocket.Dialer
	clock       clockwork.Clock
	logger      *slog.Logger
	errorCenter *errors.ErrorCenter
	token       TokenFunc

	mu       sync.Mutex
	socket   *Socket
	channels map[string]*Channel // topic -> channel
}

// NewClient 创建客户端，首次订阅时才建立连接
func NewClient(cfg *types.Config, opts ...Option) *Client {
	c := &Client{
		cfg:         cfg,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		clock:       clockwork.NewRealClock(),
		logger:      slog.Default(),
		errorCenter: errors.NewErrorCenter(),
		channels:    make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "realtime")
	return c
}

// Endpoint 带查询参数的连接地址
func (c *Client) Endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	if c.cfg.APIKey != "" {
		q.Set("apikey", c.cfg.APIKey)
	}
	q.Set("vsn", ProtocolVersion)
	if c.cfg.Codec != "" {
		q.Set("codec", c.cfg.Codec)
	}
	if c.cfg.Compression != "" {
		q.Set("compress", c.cfg.Compression)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Channel 创建频道，需调用 Subscribe 加入
func (c *Client) Channel(name string, handlers conn.Handlers, onStatus conn.StatusFunc) *Channel {
	if onStatus == nil {
		onStatus = func(types.SubscribeStatus, error) {}
	}
	return &Channel{
		client:   c,
		topic:    protocol.Topic(name),
		handlers: handlers,
		onStatus: onStatus,
		logger:   c.logger.With("topic", protocol.Topic(name)),
	}
}

// connect 返回可用的 socket，必要时重新拨号
func (c *Client) connect(ctx context.Context) (*Socket, error) {
	c.mu.Lock()
	if c.socket != nil && c.socket.IsConnected() {
		s := c.socket
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	framer, err := protocol.NewFramer(c.cfg.Codec, c.cfg.Compression)
	if err != nil {
		return nil, err
	}
	endpoint, err := c.Endpoint()
	if err != nil {
		return nil, err
	}

	wsConn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial realtime: %w", errors.ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	s := NewSocket(wsConn, framer, SocketOptions{
		BufferSize:        c.cfg.BufferSize,
		HeartbeatInterval: c.cfg.SocketHeartbeat,
		Clock:             c.clock,
		Logger:            c.logger,
		ErrorCenter:       c.errorCenter,
	})
	s.OnEnvelope(c.route)
	s.OnClose(func(err error) { c.socketClosed(s, err) })

	c.mu.Lock()
	if c.socket != nil && c.socket.IsConnected() {
		// 并发拨号，保留先建立的连接
		existing := c.socket
		c.mu.Unlock()
		_ = wsConn.Close()
		return existing, nil
	}
	c.socket = s
	c.mu.Unlock()

	s.Start()
	c.logger.Info("socket connected", "socket", s.GetID(), "codec", framer.Codec().Name())
	return s, nil
}

// route 按主题分发帧
func (c *Client) route(env *protocol.Envelope) {
	c.mu.Lock()
	ch := c.channels[env.Topic]
	c.mu.Unlock()

	if ch == nil {
		c.logger.Debug("frame for unknown topic", "topic", env.Topic, "event", env.Event)
		return
	}
	ch.handle(env)
}

// socketClosed socket 断开后通知所有频道
func (c *Client) socketClosed(s *Socket, err error) {
	c.mu.Lock()
	if c.socket != s {
		c.mu.Unlock()
		return
	}
	c.socket = nil
	chans := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chans = append(chans, ch)
	}
	c.channels = make(map[string]*Channel)
	c.mu.Unlock()

	c.logger.Warn("socket lost", "channels", len(chans), "error", err)
	for _, ch := range chans {
		ch.socketClosed(err)
	}
}

func (c *Client) register(ch *Channel) {
	c.mu.Lock()
	old := c.channels[ch.topic]
	c.channels[ch.topic] = ch
	c.mu.Unlock()

	if old != nil && old != ch {
		old.detach()
	}
}

// removeChannel 移除频道；没有频道时关闭 socket
func (c *Client) removeChannel(ch *Channel) {
	c.mu.Lock()
	if c.channels[ch.topic] == ch {
		delete(c.channels, ch.topic)
	}
	var s *Socket
	if len(c.channels) == 0 {
		s = c.socket
		c.socket = nil
	}
	c.mu.Unlock()

	if s != nil {
		s.CloseAfterFlush()
	}
}

// Connected 是否有可用的 socket
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket != nil && c.socket.IsConnected()
}

// Stats 当前 socket 的统计信息
func (c *Client) Stats() types.ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket == nil {
		return types.ConnectionStats{}
	}
	stats := c.socket.GetStats()
	if c.socket.IsConnected() {
		stats.ActiveConnections = 1
	}
	return stats
}

// Close 关闭 socket，频道不再上报状态
func (c *Client) Close() {
	c.mu.Lock()
	s := c.socket
	c.socket = nil
	chans := c.channels
	c.channels = make(map[string]*Channel)
	c.mu.Unlock()

	for _, ch := range chans {
		ch.detach()
	}
	if s != nil {
		s.Close()
	}
}
