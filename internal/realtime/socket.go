package realtime

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/BetaCatPro/ws-relay/internal/errors"
	"github.com/BetaCatPro/ws-relay/internal/protocol"
	"github.com/BetaCatPro/ws-relay/internal/utils"
	"github.com/BetaCatPro/ws-relay/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
)

const (
	writeTimeout   = 10 * time.Second
	controlTimeout = 5 * time.Second
)

// SocketOptions Socket 运行参数
type SocketOptions struct {
	BufferSize        int           // 发送队列大小
	HeartbeatInterval time.Duration // 协议心跳间隔，0 表示不主动发送心跳 (服务端)
	ReadTimeout       time.Duration // 读超时，0 表示不设置
	Clock             clockwork.Clock
	Logger            *slog.Logger
	ErrorCenter       *errors.ErrorCenter
}

type outbound struct {
	msgType int
	data    []byte
}

// Socket 一条 WebSocket 连接：发送队列、读循环、协议心跳与心跳超时检测
type Socket struct {
	conn        *websocket.Conn
	framer      *protocol.Framer
	opts        SocketOptions
	logger      *slog.Logger
	errorCenter *errors.ErrorCenter

	isConnected    atomic.Bool
	sendQueue      chan outbound
	done           chan struct{}
	heartbeatReply chan struct{} // 收到心跳回复
	closeOnce      sync.Once

	ref             atomic.Uint64
	totalMessages   atomic.Int64
	droppedMessages atomic.Int64

	id         string
	onEnvelope func(*protocol.Envelope)
	onClose    func(error)
}

// NewSocket 包装已建立的 websocket 连接，需调用 Start 启动
func NewSocket(wsConn *websocket.Conn, framer *protocol.Framer, opts SocketOptions) *Socket {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ErrorCenter == nil {
		opts.ErrorCenter = errors.NewErrorCenter()
	}
	s := &Socket{
		conn:           wsConn,
		framer:         framer,
		opts:           opts,
		errorCenter:    opts.ErrorCenter,
		sendQueue:      make(chan outbound, opts.BufferSize),
		done:           make(chan struct{}),
		heartbeatReply: make(chan struct{}, 1),
		id:             utils.GenerateConnectionID(),
	}
	s.logger = opts.Logger.With("socket", s.id)
	s.isConnected.Store(true)
	return s
}

// OnEnvelope 设置帧回调，在读循环中调用
func (s *Socket) OnEnvelope(fn func(*protocol.Envelope)) {
	s.onEnvelope = fn
}

// OnClose 设置关闭回调，只调用一次
func (s *Socket) OnClose(fn func(error)) {
	s.onClose = fn
}

// Start 启动连接处理协程
func (s *Socket) Start() {
	go s.writeLoop()
	go s.readLoop()
	if s.opts.HeartbeatInterval > 0 {
		go s.heartbeat()
		go s.heartbeatMonitor()
	}
}

// NextRef 生成帧 ref
func (s *Socket) NextRef() string {
	return strconv.FormatUint(s.ref.Inc(), 10)
}

// Push 编码帧并放入发送队列
func (s *Socket) Push(env *protocol.Envelope) error {
	if !s.isConnected.Load() {
		return errors.ErrConnectionClosed
	}
	msgType, data, err := s.framer.Encode(env)
	if err != nil {
		return err
	}

	select {
	case s.sendQueue <- outbound{msgType: msgType, data: data}:
		return nil
	case <-s.done:
		return errors.ErrConnectionClosed
	default:
		s.droppedMessages.Inc()
		return errors.ErrBufferFull
	}
}

// writeLoop 处理发送队列中的帧
func (s *Socket) writeLoop() {
	for {
		select {
		case msg := <-s.sendQueue:
			if msg.msgType == websocket.CloseMessage {
				s.shutdown(errors.ErrConnectionClosed)
				return
			}
			if err := s.write(msg); err != nil {
				s.errorCenter.ReportError(fmt.Errorf("write frame: %w", err))
				s.shutdown(err)
				return
			}
			s.totalMessages.Inc()
		case <-s.done:
			return
		}
	}
}

func (s *Socket) write(msg outbound) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msg.msgType, msg.data)
}

// readLoop 读取并解码帧
func (s *Socket) readLoop() {
	var closeErr error
	defer func() { s.shutdown(closeErr) }()

	for {
		if !s.isConnected.Load() {
			return
		}
		if s.opts.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		}

		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.errorCenter.ReportError(fmt.Errorf("read frame: %w", err))
			}
			closeErr = err
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		env, err := s.framer.Decode(msgType, data)
		if err != nil {
			// 坏帧丢弃，不影响连接
			s.errorCenter.ReportError(err)
			continue
		}
		s.totalMessages.Inc()

		if env.Topic == protocol.TopicPhoenix && env.Event == protocol.EventReply {
			select {
			case s.heartbeatReply <- struct{}{}:
			default:
			}
			continue
		}
		if s.onEnvelope != nil {
			s.onEnvelope(env)
		}
	}
}

// heartbeat 发送协议心跳
func (s *Socket) heartbeat() {
	ticker := s.opts.Clock.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if !s.isConnected.Load() {
				return
			}
			env, err := protocol.NewEnvelope(protocol.TopicPhoenix, protocol.EventHeartbeat, struct{}{}, s.NextRef(), "")
			if err != nil {
				continue
			}
			if err := s.Push(env); err != nil {
				// 发送失败交给超时检测处理
				s.errorCenter.ReportError(fmt.Errorf("heartbeat send failed: %w", err))
			}
		case <-s.done:
			return
		}
	}
}

// heartbeatMonitor 三倍心跳间隔内没有回复则关闭连接
func (s *Socket) heartbeatMonitor() {
	timeout := s.opts.HeartbeatInterval * 3
	timer := s.opts.Clock.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-s.heartbeatReply:
			if !timer.Stop() {
				select {
				case <-timer.Chan():
				default:
				}
			}
			timer.Reset(timeout)
		case <-timer.Chan():
			s.errorCenter.ReportError(errors.ErrHeartbeatTimeout)
			s.shutdown(errors.ErrHeartbeatTimeout)
			return
		case <-s.done:
			return
		}
	}
}

// shutdown 关闭连接并通知一次
func (s *Socket) shutdown(err error) {
	closed := false
	s.closeOnce.Do(func() {
		s.isConnected.Store(false)
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(controlTimeout))
		_ = s.conn.Close()
		closed = true
	})
	if !closed {
		return
	}
	s.logger.Debug("socket closed", "error", err)
	if s.onClose != nil {
		s.onClose(err)
	}
}

// Close 主动关闭连接
func (s *Socket) Close() {
	s.shutdown(errors.ErrConnectionClosed)
}

// CloseAfterFlush 发送完队列中已有的帧后关闭
func (s *Socket) CloseAfterFlush() {
	select {
	case s.sendQueue <- outbound{msgType: websocket.CloseMessage}:
	default:
		s.Close()
	}
}

// IsConnected 检查连接状态
func (s *Socket) IsConnected() bool {
	return s.isConnected.Load()
}

// GetStats 获取连接统计信息
func (s *Socket) GetStats() types.ConnectionStats {
	return types.ConnectionStats{
		TotalMessages:   s.totalMessages.Load(),
		DroppedMessages: s.droppedMessages.Load(),
	}
}

// GetID 获取连接ID
func (s *Socket) GetID() string {
	return s.id
}
