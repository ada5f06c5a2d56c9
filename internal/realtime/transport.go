package realtime

import (
	"context"
	"fmt"

	"github.com/BetaCatPro/ws-relay/internal/conn"
)

// Transport 把 Client 适配为 conn.Transport
type Transport struct {
	client *Client
}

var _ conn.Transport = (*Transport)(nil)

// NewTransport 创建传输层
func NewTransport(client *Client) *Transport {
	return &Transport{client: client}
}

// Subscribe 创建频道并加入
func (t *Transport) Subscribe(ctx context.Context, channel string, handlers conn.Handlers, onStatus conn.StatusFunc) (conn.Subscription, error) {
	ch := t.client.Channel(channel, handlers, onStatus)
	if err := ch.Subscribe(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

// Unsubscribe 离开频道
func (t *Transport) Unsubscribe(ctx context.Context, sub conn.Subscription) error {
	ch, ok := sub.(*Channel)
	if !ok {
		return fmt.Errorf("realtime: foreign subscription %T", sub)
	}
	return ch.Leave(ctx)
}

// Close 关闭底层连接
func (t *Transport) Close() {
	t.client.Close()
}
