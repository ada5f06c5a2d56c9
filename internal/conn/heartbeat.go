package conn

import (
	"github.com/jonboulle/clockwork"
)

// heartbeat 周期性的连接存活检查
type heartbeat struct {
	ticker clockwork.Ticker
	stop   chan struct{}
}

// startHeartbeat 启动心跳，替换已有的心跳定时器
func (c *Controller) startHeartbeat() {
	c.mu.Lock()
	c.stopHeartbeatLocked()
	hb := &heartbeat{
		ticker: c.clock.NewTicker(c.cfg.HeartbeatInterval),
		stop:   make(chan struct{}),
	}
	c.heartbeat = hb
	c.mu.Unlock()

	go c.runHeartbeat(hb)
}

func (c *Controller) runHeartbeat(hb *heartbeat) {
	for {
		select {
		case <-hb.ticker.Chan():
			c.CheckConnection()
		case <-hb.stop:
			return
		}
	}
}

// stopHeartbeatLocked 停止心跳，调用方持有 c.mu
func (c *Controller) stopHeartbeatLocked() {
	if c.heartbeat == nil {
		return
	}
	c.heartbeat.ticker.Stop()
	close(c.heartbeat.stop)
	c.heartbeat = nil
}

// CheckConnection 检查订阅是否存活，必要时重新连接。
// 连接尝试进行中或已有待执行的重连时不做任何事。
func (c *Controller) CheckConnection() {
	if c.disposed.Load() || c.connecting.Load() {
		return
	}

	c.mu.Lock()
	sub := c.sub
	pending := c.retry != nil
	c.mu.Unlock()

	if pending {
		return
	}
	if sub != nil && sub.Alive() {
		return
	}

	c.logger.Info("no live subscription, reconnecting")
	c.Connect(c.ctx)
}

// HeartbeatRunning 心跳是否在运行
func (c *Controller) HeartbeatRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeat != nil
}
