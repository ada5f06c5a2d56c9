package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/BetaCatPro/ws-relay/internal/auth"
	"github.com/BetaCatPro/ws-relay/internal/conn"
	"github.com/BetaCatPro/ws-relay/internal/errors"
	"github.com/BetaCatPro/ws-relay/pkg/types"
)

// 系统消息
const (
	TextReconnected      = "reconnected"
	TextUnrecoverable    = "connection could not be recovered. restart the client."
	TextSendFailed       = "failed to send message. check the connection."
	TextAnswerFailed     = "failed to send answer. please try again."
	TextPermissionFailed = "failed to send permission response. please try again."
	TextSessionReset     = "new session started"
	TextResetFailed      = "session reset request failed. only local history was cleared."
	TextResetOffline     = "chat history cleared (no server connection)"
)

// JoinedText 首次加入的系统消息
func JoinedText(username string) string {
	return username + " joined"
}

// Channel 会话依赖的连接能力，由 conn.Controller 实现
type Channel interface {
	Handle(event string, h conn.Handler)
	Send(ctx context.Context, event string, payload any) error
	CheckConnection()
}

// Option 会话选项
type Option func(*Session)

// WithLogger 指定日志
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithTokenProvider 指定访问令牌来源
func WithTokenProvider(p auth.Provider) Option {
	return func(s *Session) { s.tokens = p }
}

// WithSound 是否播放提示音
func WithSound(enabled bool) Option {
	return func(s *Session) { s.sound = enabled }
}

// Session 聊天会话：把频道事件转给 View，并发送用户操作。
// 同时实现 conn.Listener，接收控制器的状态与加入通知。
type Session struct {
	cfg    *types.Config
	view   View
	logger *slog.Logger
	tokens auth.Provider
	sound  bool

	mu                 sync.Mutex
	channel            Channel
	pending            map[string]types.PermissionRequest
	previousQueueCount int
}

var _ conn.Listener = (*Session)(nil)

// NewSession 创建会话，需要再调用 Bind 绑定频道
func NewSession(cfg *types.Config, view View, opts ...Option) *Session {
	s := &Session{
		cfg:     cfg,
		view:    view,
		logger:  slog.Default(),
		sound:   true,
		pending: make(map[string]types.PermissionRequest),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "chat", "user", cfg.Username)
	return s
}

// Bind 注册频道事件回调。队列与用量事件按功能开关注册。
func (s *Session) Bind(ch Channel) {
	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()

	ch.Handle(types.EventMessage, decode(s, s.onMessage))
	ch.Handle(types.EventProgress, decode(s, s.onProgress))
	ch.Handle(types.EventPermissionRequest, decode(s, s.onPermissionRequest))
	if s.cfg.EnableQueueStatus {
		ch.Handle(types.EventQueueStatus, decode(s, s.onQueueStatus))
	}
	if s.cfg.EnableUsageStatus {
		ch.Handle(types.EventUsageStatus, decode(s, s.onUsageStatus))
	}
}

// decode 解析负载后调用 fn，格式错误的负载只记录日志
func decode[T any](s *Session, fn func(T)) conn.Handler {
	return func(payload json.RawMessage) {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			s.logger.Warn("dropping malformed payload", "type", fmt.Sprintf("%T", v), "error", err)
			return
		}
		fn(v)
	}
}

// OnStatus 实现 conn.Listener
func (s *Session) OnStatus(text string, connected bool) {
	s.view.SetStatus(text, connected)
}

// OnJoined 实现 conn.Listener
func (s *Session) OnJoined(first bool) {
	if first {
		s.view.AddSystemMessage(JoinedText(s.cfg.Username))
	} else {
		s.view.AddSystemMessage(TextReconnected)
	}
	_ = s.RequestUsage(context.Background())
}

// OnUnrecoverable 实现 conn.Listener
func (s *Session) OnUnrecoverable() {
	s.view.AddSystemMessage(TextUnrecoverable)
}

func (s *Session) onMessage(m types.ChatMessage) {
	if m.Username == s.cfg.Username {
		return
	}
	s.view.AddMessage(m.Username, m.Message, false)
}

func (s *Session) onProgress(p types.ProgressUpdate) {
	switch p.Type {
	case types.ProgressPermissionRequest:
		s.onPermissionRequest(types.PermissionRequest{
			RequestID: p.RequestID,
			Tool:      p.Tool,
			Detail:    p.Detail,
		})
	case types.ProgressStart, types.ProgressInit, types.ProgressToolStart,
		types.ProgressToolEnd, types.ProgressComplete, types.ProgressError:
		s.view.Progress(p)
	default:
		s.logger.Debug("unknown progress type", "type", p.Type)
	}
}

func (s *Session) onPermissionRequest(req types.PermissionRequest) {
	if req.RequestID == "" {
		return
	}
	s.mu.Lock()
	if _, ok := s.pending[req.RequestID]; ok {
		s.mu.Unlock()
		return
	}
	s.pending[req.RequestID] = req
	s.mu.Unlock()

	s.view.PermissionPrompt(req)
	if s.sound {
		s.view.Notify(NoticePermission)
	}
}

func (s *Session) onQueueStatus(q types.QueueStatus) {
	s.mu.Lock()
	drained := s.previousQueueCount > 0 && q.Count == 0
	s.previousQueueCount = q.Count
	s.mu.Unlock()

	if drained && s.sound {
		s.view.Notify(NoticeQueueDrained)
	}
	s.view.Queue(q)
}

func (s *Session) onUsageStatus(u types.UsageStatus) {
	s.view.Usage(SummarizeUsage(u))
}

// PendingPermissions 尚未答复的权限请求，按 ID 排序
func (s *Session) PendingPermissions() []types.PermissionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.PermissionRequest, 0, len(s.pending))
	for _, req := range s.pending {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out
}

// SendMessage 发送聊天消息，空白消息忽略
func (s *Session) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	msg := types.ChatMessage{Username: s.cfg.Username, Message: text}
	if s.cfg.AttachAuthToken {
		msg.AuthToken = s.accessToken(ctx)
	}
	if err := s.send(ctx, types.EventMessage, msg); err != nil {
		s.sendFailed(TextSendFailed, err)
		return err
	}
	s.view.AddMessage(s.cfg.Username, text, true)
	return nil
}

// SubmitAnswers 按顺序回答多个问题，以聊天消息发送
func (s *Session) SubmitAnswers(ctx context.Context, answers []string) error {
	if len(answers) == 0 {
		return nil
	}
	text := FormatAnswers(answers)
	msg := types.ChatMessage{Username: s.cfg.Username, Message: text}
	if err := s.send(ctx, types.EventMessage, msg); err != nil {
		s.sendFailed(TextAnswerFailed, err)
		return err
	}
	s.view.AddMessage(s.cfg.Username, text, true)
	return nil
}

// FormatAnswers "[Answer] Q1: a | Q2: b"
func FormatAnswers(answers []string) string {
	parts := make([]string, len(answers))
	for i, a := range answers {
		parts[i] = fmt.Sprintf("Q%d: %s", i+1, a)
	}
	return "[Answer] " + strings.Join(parts, " | ")
}

// RespondPermission 答复权限请求，成功后从待处理中移除
func (s *Session) RespondPermission(ctx context.Context, requestID string, approved bool) error {
	s.mu.Lock()
	_, ok := s.pending[requestID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrUnknownRequest, requestID)
	}

	resp := types.PermissionResponse{RequestID: requestID, Approved: approved}
	if err := s.send(ctx, types.EventPermissionResponse, resp); err != nil {
		s.sendFailed(TextPermissionFailed, err)
		return err
	}

	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()
	s.view.PermissionResolved(requestID, approved)
	return nil
}

// ResetSession 清空本地记录并请求服务端重置会话上下文
func (s *Session) ResetSession(ctx context.Context) error {
	s.view.Clear()

	s.mu.Lock()
	s.pending = make(map[string]types.PermissionRequest)
	s.mu.Unlock()

	req := types.SessionReset{Username: s.cfg.Username}
	if s.cfg.AttachAuthToken {
		req.AuthToken = s.accessToken(ctx)
	}
	err := s.send(ctx, types.EventSessionReset, req)
	switch {
	case err == nil:
		s.view.AddSystemMessage(TextSessionReset)
	case errors.Is(err, errors.ErrNotConnected):
		s.sendFailed(TextResetOffline, err)
	default:
		s.sendFailed(TextResetFailed, err)
	}
	return err
}

// RequestUsage 请求最新用量，未开启用量功能时不做任何事
func (s *Session) RequestUsage(ctx context.Context) error {
	if !s.cfg.EnableUsageStatus {
		return nil
	}
	if err := s.send(ctx, types.EventRequestUsage, struct{}{}); err != nil {
		s.logger.Debug("usage request failed", "error", err)
		return err
	}
	return nil
}

func (s *Session) send(ctx context.Context, event string, payload any) error {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return errors.ErrNotConnected
	}
	return ch.Send(ctx, event, payload)
}

// sendFailed 提示用户并检查连接是否已失效
func (s *Session) sendFailed(text string, err error) {
	s.logger.Warn("send failed", "error", err)
	s.view.AddSystemMessage(text)

	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch != nil {
		ch.CheckConnection()
	}
}

// accessToken 获取失败时发送空令牌，由服务端决定是否拒绝
func (s *Session) accessToken(ctx context.Context) string {
	if s.tokens == nil {
		return ""
	}
	token, err := s.tokens.AccessToken(ctx)
	if err != nil {
		s.logger.Warn("access token unavailable", "error", err)
		return ""
	}
	return token
}
