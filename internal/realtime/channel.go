package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BetaCatPro/ws-relay/internal/conn"
	"github.com/BetaCatPro/ws-relay/internal/errors"
	"github.com/BetaCatPro/ws-relay/internal/protocol"
	"github.com/BetaCatPro/ws-relay/pkg/types"
	"github.com/jonboulle/clockwork"
)

type channelState int

const (
	channelClosed channelState = iota
	channelJoining
	channelJoined
	channelErrored
	channelLeft
)

// Channel 一个主题上的订阅
type Channel struct {
	client   *Client
	topic    string
	handlers conn.Handlers
	onStatus conn.StatusFunc
	logger   *slog.Logger

	mu       sync.Mutex
	socket   *Socket
	state    channelState
	joinRef  string
	joinStop chan struct{} // 关闭以取消加入超时
}

// Topic 频道主题
func (ch *Channel) Topic() string {
	return ch.topic
}

// Subscribe 发送 phx_join；结果通过 onStatus 异步上报
func (ch *Channel) Subscribe(ctx context.Context) error {
	s, err := ch.client.connect(ctx)
	if err != nil {
		return err
	}

	join := protocol.JoinConfig{}
	if ch.client.token != nil {
		token, err := ch.client.token(ctx)
		if err != nil {
			return fmt.Errorf("access token: %w", err)
		}
		join.AccessToken = token
	}

	ref := s.NextRef()
	env, err := protocol.NewEnvelope(ch.topic, protocol.EventJoin, join, ref, ref)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	ch.socket = s
	ch.state = channelJoining
	ch.joinRef = ref
	ch.stopJoinTimerLocked()
	stop := make(chan struct{})
	ch.joinStop = stop
	ch.mu.Unlock()

	ch.client.register(ch)
	if err := s.Push(env); err != nil {
		ch.mu.Lock()
		ch.state = channelErrored
		ch.stopJoinTimerLocked()
		ch.mu.Unlock()
		ch.client.removeChannel(ch)
		return fmt.Errorf("push join: %w", err)
	}

	go ch.awaitJoin(ch.client.clock.NewTimer(ch.client.cfg.JoinTimeout), ref, stop)
	ch.logger.Debug("join sent", "ref", ref)
	return nil
}

// awaitJoin 加入超时检测
func (ch *Channel) awaitJoin(timer clockwork.Timer, ref string, stop chan struct{}) {
	defer timer.Stop()
	select {
	case <-timer.Chan():
	case <-stop:
		return
	}

	ch.mu.Lock()
	if ch.state != channelJoining || ch.joinRef != ref {
		ch.mu.Unlock()
		return
	}
	ch.state = channelErrored
	ch.joinStop = nil
	s := ch.socket
	ch.mu.Unlock()

	ch.logger.Warn("join timed out", "ref", ref)
	if err := ch.pushLeave(s, ref); err != nil {
		ch.logger.Debug("leave after join timeout", "error", err)
	}
	ch.onStatus(types.StatusTimedOut, errors.ErrJoinTimeout)
}

func (ch *Channel) stopJoinTimerLocked() {
	if ch.joinStop != nil {
		close(ch.joinStop)
		ch.joinStop = nil
	}
}

// handle 处理本主题的帧，在读循环中调用
func (ch *Channel) handle(env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventReply:
		ch.handleReply(env)

	case protocol.EventClose:
		if ch.transition(channelClosed) {
			ch.logger.Info("channel closed by server")
			ch.onStatus(types.StatusClosed, nil)
		}

	case protocol.EventError:
		if ch.transition(channelErrored) {
			ch.logger.Warn("channel error", "payload", string(env.Payload))
			ch.onStatus(types.StatusChannelError, fmt.Errorf("channel error: %s", env.Payload))
		}

	case protocol.EventBroadcast:
		var bp protocol.BroadcastPayload
		if err := json.Unmarshal(env.Payload, &bp); err != nil {
			ch.client.errorCenter.ReportError(fmt.Errorf("%w: broadcast payload: %v", errors.ErrInvalidFrame, err))
			return
		}
		if h := ch.handlers[bp.Event]; h != nil {
			h(bp.Payload)
		}

	default:
		ch.logger.Debug("unhandled event", "event", env.Event)
	}
}

func (ch *Channel) handleReply(env *protocol.Envelope) {
	ch.mu.Lock()
	if env.Ref == "" || env.Ref != ch.joinRef || (ch.state != channelJoining && ch.state != channelJoined) {
		ch.mu.Unlock()
		return
	}
	ch.stopJoinTimerLocked()
	ch.mu.Unlock()

	var reply protocol.ReplyPayload
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		ch.client.errorCenter.ReportError(fmt.Errorf("%w: join reply: %v", errors.ErrInvalidFrame, err))
		return
	}

	if reply.Status == protocol.ReplyOK {
		if ch.transition(channelJoined) || ch.joined() {
			ch.onStatus(types.StatusSubscribed, nil)
		}
		return
	}
	if ch.transition(channelErrored) {
		ch.onStatus(types.StatusChannelError, fmt.Errorf("%w: %s", errors.ErrJoinRejected, reply.Response))
	}
}

// transition 切换状态；已离开的频道不再变化
func (ch *Channel) transition(to channelState) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state == channelLeft || ch.state == to {
		return false
	}
	ch.state = to
	if to != channelJoining {
		ch.stopJoinTimerLocked()
	}
	return true
}

func (ch *Channel) joined() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state == channelJoined
}

// socketClosed socket 断开
func (ch *Channel) socketClosed(err error) {
	if ch.transition(channelClosed) {
		ch.onStatus(types.StatusClosed, err)
	}
}

// detach 被替换或客户端关闭，不再上报状态
func (ch *Channel) detach() {
	ch.mu.Lock()
	ch.state = channelLeft
	ch.stopJoinTimerLocked()
	ch.mu.Unlock()
}

// Send 在频道上广播事件
func (ch *Channel) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch.mu.Lock()
	s := ch.socket
	joined := ch.state == channelJoined
	joinRef := ch.joinRef
	ch.mu.Unlock()

	if s == nil || !joined {
		return errors.ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	env, err := protocol.NewEnvelope(ch.topic, protocol.EventBroadcast, protocol.BroadcastPayload{
		Type:    protocol.EventBroadcast,
		Event:   event,
		Payload: raw,
	}, s.NextRef(), joinRef)
	if err != nil {
		return err
	}
	return s.Push(env)
}

// Alive 频道已加入且 socket 可用
func (ch *Channel) Alive() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state == channelJoined && ch.socket != nil && ch.socket.IsConnected()
}

// Leave 离开频道，主动离开不上报状态
func (ch *Channel) Leave(ctx context.Context) error {
	ch.mu.Lock()
	if ch.state == channelLeft {
		ch.mu.Unlock()
		return nil
	}
	prev := ch.state
	ch.state = channelLeft
	ch.stopJoinTimerLocked()
	s := ch.socket
	joinRef := ch.joinRef
	ch.mu.Unlock()

	var err error
	if prev == channelJoining || prev == channelJoined {
		err = ch.pushLeave(s, joinRef)
	}
	ch.client.removeChannel(ch)
	return err
}

func (ch *Channel) pushLeave(s *Socket, joinRef string) error {
	if s == nil || !s.IsConnected() {
		return nil
	}
	env, err := protocol.NewEnvelope(ch.topic, protocol.EventLeave, struct{}{}, s.NextRef(), joinRef)
	if err != nil {
		return err
	}
	if err := s.Push(env); err != nil {
		return fmt.Errorf("push leave: %w", err)
	}
	return nil
}
