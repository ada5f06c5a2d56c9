package conn

import (
	"context"
	"encoding/json"

	"github.com/BetaCatPro/ws-relay/pkg/types"
)

// Handler 频道事件回调
type Handler func(payload json.RawMessage)

// Handlers 事件名 -> 回调
type Handlers map[string]Handler

// StatusFunc 订阅状态变化回调；同一次订阅可能多次收到 Subscribed
type StatusFunc func(status types.SubscribeStatus, err error)

// Subscription 一次频道订阅
type Subscription interface {
	Send(ctx context.Context, event string, payload any) error // 发布广播事件
	Alive() bool                                               // 订阅是否仍然有效
}

// Transport 实时发布/订阅传输层
type Transport interface {
	// Subscribe 打开订阅；状态通过 onStatus 异步上报
	Subscribe(ctx context.Context, channel string, handlers Handlers, onStatus StatusFunc) (Subscription, error)
	// Unsubscribe 释放订阅
	Unsubscribe(ctx context.Context, sub Subscription) error
}

// Listener 接收控制器的状态与通知
type Listener interface {
	OnStatus(text string, connected bool)
	OnJoined(first bool) // first 为 true 表示首次加入，否则为重连
	OnUnrecoverable()
}

// NopListener 空实现
type NopListener struct{}

func (NopListener) OnStatus(string, bool) {}
func (NopListener) OnJoined(bool)         {}
func (NopListener) OnUnrecoverable()      {}
