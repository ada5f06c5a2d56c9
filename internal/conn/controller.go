package conn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BetaCatPro/ws-relay/internal/errors"
	"github.com/BetaCatPro/ws-relay/internal/metrics"
	"github.com/BetaCatPro/ws-relay/pkg/types"
	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
)

// Option 控制器选项
type Option func(*Controller)

// WithClock 指定时钟 (测试中使用 clockwork.FakeClock)
func WithClock(clock clockwork.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithLogger 指定日志
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithMetrics 指定指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithListener 指定状态监听者
func WithListener(l Listener) Option {
	return func(c *Controller) { c.listener = l }
}

// Controller 管理频道订阅的生命周期：连接、重连、心跳检查
type Controller struct {
	cfg       *types.Config
	transport Transport
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	listener  Listener
	status    *StatusReporter

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	handlers         Handlers
	sub              Subscription
	state            types.ConnectionState
	attempts         int
	generation       uint64 // 每次 Connect 递增，用于丢弃旧订阅的状态回调
	retry            *pendingRetry
	heartbeat        *heartbeat
	hasConnectedOnce bool
	announcePending  bool // Subscribed 先于订阅句柄返回时，延后到句柄保存后再通知
	announceFirst    bool

	connecting        atomic.Bool // 连接尝试进行中
	subscribedHandled atomic.Bool // 本次连接的 Subscribed 通知已处理
	disposed          atomic.Bool
}

// NewController 创建控制器，每个会话一个实例
func NewController(cfg *types.Config, transport Transport, opts ...Option) *Controller {
	c := &Controller{
		cfg:       cfg,
		transport: transport,
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		metrics:   metrics.Noop(),
		listener:  NopListener{},
		handlers:  make(Handlers),
		state:     types.StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "conn", "channel", cfg.ChannelName)
	c.status = NewStatusReporter(func(text string, connected bool) {
		c.listener.OnStatus(text, connected)
	})
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Handle 注册频道事件回调，下次 Connect 时生效
func (c *Controller) Handle(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// Connect 建立新的订阅；连接进行中时重复调用直接返回。错误不会返回给调用方，
// 而是体现在状态上并交给重连调度。
func (c *Controller) Connect(ctx context.Context) {
	if c.disposed.Load() {
		return
	}
	// 门控与代数递增在同一把锁内，旧状态回调不会清掉新尝试的门控
	c.mu.Lock()
	if !c.connecting.CompareAndSwap(false, true) {
		c.mu.Unlock()
		c.logger.Debug("connect skipped, attempt already in progress")
		return
	}
	c.generation++
	gen := c.generation
	c.subscribedHandled.Store(false)
	c.announcePending = false
	c.state = types.StateConnecting
	handlers := make(Handlers, len(c.handlers))
	for k, v := range c.handlers {
		handlers[k] = v
	}
	c.mu.Unlock()

	c.metrics.ConnectAttempts.Inc()
	c.status.Update(StatusTextConnecting, false)

	// 先清理旧的定时器与订阅
	c.Cleanup(ctx)

	sub, err := c.transport.Subscribe(ctx, c.cfg.ChannelName, handlers, func(status types.SubscribeStatus, err error) {
		c.onStatus(gen, status, err)
	})
	if err != nil {
		c.logger.Warn("open subscription failed", "error", err)
		c.connecting.Store(false)
		c.setState(types.StateDisconnected)
		c.status.Update(StatusTextFailed, false)
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	current := gen == c.generation && !c.disposed.Load()
	announce, first := false, false
	if current {
		c.sub = sub
		announce, first = c.announcePending, c.announceFirst
		c.announcePending = false
	}
	c.mu.Unlock()

	if announce {
		c.listener.OnJoined(first)
	}

	if !current {
		// 在打开期间被 Dispose 或被新的尝试取代
		if err := c.transport.Unsubscribe(ctx, sub); err != nil {
			c.logger.Debug("release superseded subscription", "error", err)
		}
	}
}

// Reconnect 外部触发的重连 (网络恢复、用户操作)
func (c *Controller) Reconnect() {
	c.logger.Info("reconnect requested")
	c.Connect(c.ctx)
}

// Cleanup 停止两个定时器并释放当前订阅；释放失败只记录日志
func (c *Controller) Cleanup(ctx context.Context) {
	c.mu.Lock()
	c.cancelRetryLocked()
	c.stopHeartbeatLocked()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub == nil {
		return
	}
	c.metrics.Subscribed.Set(0)
	if err := c.transport.Unsubscribe(ctx, sub); err != nil {
		c.logger.Warn("release subscription failed", "error", err)
	}
}

// Dispose 结束控制器生命周期
func (c *Controller) Dispose(ctx context.Context) {
	if !c.disposed.CompareAndSwap(false, true) {
		return
	}
	c.cancel()
	c.Cleanup(ctx)
	c.setState(types.StateIdle)
	c.status.Update(StatusTextIdle, false)
}

// MarkOffline 网络断开时更新状态
func (c *Controller) MarkOffline() {
	c.status.Update(StatusTextOffline, false)
}

// Send 通过当前订阅发布事件
func (c *Controller) Send(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()

	if sub == nil {
		c.metrics.SendFailures.WithLabelValues(event).Inc()
		return errors.ErrNotConnected
	}
	if err := sub.Send(ctx, event, payload); err != nil {
		c.metrics.SendFailures.WithLabelValues(event).Inc()
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// onStatus 处理传输层上报的订阅状态
func (c *Controller) onStatus(gen uint64, status types.SubscribeStatus, err error) {
	c.mu.Lock()
	stale := gen != c.generation || c.disposed.Load()
	if !stale {
		c.connecting.Store(false)
	}
	c.mu.Unlock()
	if stale {
		c.logger.Debug("ignoring status from superseded subscription", "status", status)
		return
	}

	c.metrics.StatusTransitions.WithLabelValues(string(status)).Inc()

	switch status {
	case types.StatusSubscribed:
		c.logger.Info("channel subscribed")
		c.mu.Lock()
		c.attempts = 0
		c.state = types.StateSubscribed
		c.mu.Unlock()
		c.metrics.Subscribed.Set(1)
		c.status.Update(ConnectedText(c.cfg.Username), true)

		// 同一次连接重复的 Subscribed 只通知一次
		if c.subscribedHandled.CompareAndSwap(false, true) {
			c.mu.Lock()
			first := !c.hasConnectedOnce
			c.hasConnectedOnce = true
			deferred := c.sub == nil
			if deferred {
				c.announcePending, c.announceFirst = true, first
			}
			c.mu.Unlock()
			if !deferred {
				c.listener.OnJoined(first)
			}
		}
		c.startHeartbeat()

	case types.StatusClosed, types.StatusChannelError:
		c.logger.Warn("channel closed", "status", status, "error", err)
		c.onDisconnect(StatusTextDisconnected)

	case types.StatusTimedOut:
		c.logger.Warn("channel join timed out")
		c.onDisconnect(StatusTextTimedOut)

	default:
		c.logger.Warn("unknown subscription status", "status", status)
	}
}

func (c *Controller) onDisconnect(text string) {
	c.subscribedHandled.Store(false)
	c.setState(types.StateDisconnected)
	c.metrics.Subscribed.Set(0)
	c.status.Update(text, false)
	c.scheduleReconnect()
}

func (c *Controller) setState(s types.ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State 当前连接状态
func (c *Controller) State() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts 当前重连次数
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Status 当前状态文本
func (c *Controller) Status() (string, bool) {
	return c.status.Get()
}

// IsConnecting 是否有连接尝试在进行
func (c *Controller) IsConnecting() bool {
	return c.connecting.Load()
}
