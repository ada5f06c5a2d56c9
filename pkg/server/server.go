package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/BetaCatPro/ws-relay/internal/errors"
	"github.com/BetaCatPro/ws-relay/internal/metrics"
	"github.com/BetaCatPro/ws-relay/internal/protocol"
	"github.com/BetaCatPro/ws-relay/internal/realtime"
	"github.com/BetaCatPro/ws-relay/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WebSocketPath 实时服务的 websocket 路径
const WebSocketPath = "/realtime/v1/websocket"

// Option 服务器选项
type Option func(*Server)

// WithLogger 指定日志
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetricsRegistry 指定指标注册表，同时通过 /metrics 暴露
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// Server 广播中继服务器
type Server struct {
	addr     string
	config   *types.Config
	peers    *Registry
	upgrader websocket.Upgrader
	server   *http.Server
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	mutex sync.RWMutex

	// 回调函数
	connectHandler    func(string)
	disconnectHandler func(string, error)
}

// NewServer 创建中继服务器；config.APIKey 非空时校验连接的 apikey
func NewServer(addr string, config *types.Config, opts ...Option) *Server {
	s := &Server{
		addr:   addr,
		config: config,
		peers:  NewRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry != nil {
		s.metrics = metrics.New(s.registry)
	} else {
		s.metrics = metrics.Noop()
	}
	s.logger = s.logger.With("component", "relay")
	return s
}

// Handler 返回服务器的 HTTP 路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start 启动服务器，阻塞直到关闭
func (s *Server) Start() error {
	s.mutex.Lock()
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}
	srv := s.server
	s.mutex.Unlock()

	s.logger.Info("relay listening", "addr", s.addr, "path", WebSocketPath)
	return srv.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"peers":  s.peers.Count(),
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.config.APIKey == "" {
		return true
	}
	key := r.URL.Query().Get("apikey")
	if key == "" {
		key = r.Header.Get("apikey")
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.config.APIKey)) == 1
}

// handleWebSocket 处理WebSocket连接
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.metrics.RelayErrors.Inc()
		http.Error(w, errors.ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	framer, err := protocol.NewFramer(q.Get("codec"), q.Get("compress"))
	if err != nil {
		s.metrics.RelayErrors.Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	socket := realtime.NewSocket(wsConn, framer, realtime.SocketOptions{
		BufferSize:  s.config.BufferSize,
		ReadTimeout: s.config.SocketHeartbeat * 3,
		Logger:      s.logger,
	})
	id := socket.GetID()

	socket.OnEnvelope(func(env *protocol.Envelope) {
		s.handleEnvelope(socket, env)
	})
	socket.OnClose(func(err error) {
		if s.peers.Remove(id) {
			s.metrics.RelayPeers.Dec()
		}
		s.logger.Info("peer disconnected", "peer", id, "error", err)

		s.mutex.RLock()
		handler := s.disconnectHandler
		s.mutex.RUnlock()
		if handler != nil {
			handler(id, err)
		}
	})

	s.peers.Add(socket)
	s.metrics.RelayPeers.Inc()
	socket.Start()
	s.logger.Info("peer connected", "peer", id, "codec", framer.Codec().Name())

	s.mutex.RLock()
	handler := s.connectHandler
	s.mutex.RUnlock()
	if handler != nil {
		handler(id)
	}
}

// handleEnvelope 处理客户端帧
func (s *Server) handleEnvelope(socket *realtime.Socket, env *protocol.Envelope) {
	id := socket.GetID()

	switch {
	case env.Topic == protocol.TopicPhoenix && env.Event == protocol.EventHeartbeat:
		s.reply(socket, env, protocol.ReplyOK, struct{}{})

	case env.Event == protocol.EventJoin:
		var join protocol.JoinConfig
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &join); err != nil {
				s.reply(socket, env, protocol.ReplyError, map[string]string{"reason": "malformed join"})
				return
			}
		}
		s.peers.Join(id, env.Topic, join.Config.Broadcast.Self)
		s.logger.Debug("peer joined", "peer", id, "topic", env.Topic)
		s.reply(socket, env, protocol.ReplyOK, struct{}{})

	case env.Event == protocol.EventLeave:
		s.peers.Leave(id, env.Topic)
		s.reply(socket, env, protocol.ReplyOK, struct{}{})

	case env.Event == protocol.EventBroadcast:
		if !s.peers.Joined(id, env.Topic) {
			s.metrics.RelayErrors.Inc()
			s.reply(socket, env, protocol.ReplyError, map[string]string{"reason": "unmatched topic"})
			return
		}
		var bp protocol.BroadcastPayload
		if err := json.Unmarshal(env.Payload, &bp); err != nil || bp.Event == "" {
			s.metrics.RelayErrors.Inc()
			s.reply(socket, env, protocol.ReplyError, map[string]string{"reason": "malformed broadcast"})
			return
		}
		// 转发时去掉发送方的 ref
		out := &protocol.Envelope{Topic: env.Topic, Event: env.Event, Payload: env.Payload}
		n := s.peers.Broadcast(env.Topic, id, out)
		s.metrics.RelayBroadcasts.WithLabelValues(bp.Event).Inc()
		s.logger.Debug("broadcast", "peer", id, "topic", env.Topic, "event", bp.Event, "delivered", n)

	default:
		s.reply(socket, env, protocol.ReplyError, map[string]string{"reason": "unknown event"})
	}
}

func (s *Server) reply(socket *realtime.Socket, req *protocol.Envelope, status string, response any) {
	env, err := protocol.Reply(req, status, response)
	if err != nil {
		s.logger.Error("build reply", "error", err)
		return
	}
	if err := socket.Push(env); err != nil {
		s.metrics.RelayErrors.Inc()
		s.logger.Warn("reply failed", "peer", socket.GetID(), "error", err)
	}
}

// Broadcast 以服务器身份向主题广播事件
func (s *Server) Broadcast(channel, event string, payload any) (int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	topic := protocol.Topic(channel)
	env, err := protocol.NewEnvelope(topic, protocol.EventBroadcast, protocol.BroadcastPayload{
		Type:    protocol.EventBroadcast,
		Event:   event,
		Payload: raw,
	}, "", "")
	if err != nil {
		return 0, err
	}
	s.metrics.RelayBroadcasts.WithLabelValues(event).Inc()
	return s.peers.Broadcast(topic, "", env), nil
}

// CloseTopic 通知主题内的连接频道已关闭
func (s *Server) CloseTopic(channel string) int {
	topic := protocol.Topic(channel)
	env, err := protocol.NewEnvelope(topic, protocol.EventClose, struct{}{}, "", "")
	if err != nil {
		return 0
	}
	return s.peers.Broadcast(topic, "", env)
}

// SetConnectHandler 设置连接成功回调
func (s *Server) SetConnectHandler(handler func(string)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.connectHandler = handler
}

// SetDisconnectHandler 设置断开连接回调
func (s *Server) SetDisconnectHandler(handler func(string, error)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.disconnectHandler = handler
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() types.ConnectionStats {
	return s.peers.GetStats()
}

// GetClientCount 获取客户端数量
func (s *Server) GetClientCount() int {
	return s.peers.Count()
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.peers.CloseAll()

	s.mutex.RLock()
	srv := s.server
	s.mutex.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
