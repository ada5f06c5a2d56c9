package conn

import (
	"time"

	"github.com/BetaCatPro/ws-relay/internal/errors"
	"github.com/BetaCatPro/ws-relay/internal/utils"
	"github.com/BetaCatPro/ws-relay/pkg/types"
	"github.com/jonboulle/clockwork"
)

// pendingRetry 已安排的一次重连
type pendingRetry struct {
	timer   clockwork.Timer
	stop    chan struct{}
	attempt int
	delay   time.Duration
}

// BackoffDelay 第 attempt 次重连的等待时间
func BackoffDelay(attempt int, base time.Duration, multiplier float64, max time.Duration) time.Duration {
	return utils.CalculateBackoff(attempt, base, multiplier, max)
}

// scheduleReconnect 安排一次重连；已有待执行的重连时不做任何事。
// 重连次数达到上限后进入终止状态，只能由外部重新触发。
func (c *Controller) scheduleReconnect() {
	if c.disposed.Load() {
		return
	}

	maxAttempts := c.cfg.MaxReconnectAttempts

	c.mu.Lock()
	if c.retry != nil {
		c.mu.Unlock()
		return
	}
	if c.attempts >= maxAttempts {
		c.state = types.StateFailed
		c.stopHeartbeatLocked()
		c.mu.Unlock()

		c.logger.Error("giving up on reconnect", "attempts", maxAttempts, "error", errors.ErrMaxReconnect)
		c.metrics.RetriesExhausted.Inc()
		c.status.Update(StatusTextUnrecoverable, false)
		c.listener.OnUnrecoverable()
		return
	}

	c.attempts++
	attempt := c.attempts
	delay := BackoffDelay(attempt, c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMultiplier, c.cfg.ReconnectMaxDelay)
	r := &pendingRetry{
		timer:   c.clock.NewTimer(delay),
		stop:    make(chan struct{}),
		attempt: attempt,
		delay:   delay,
	}
	c.retry = r
	c.mu.Unlock()

	c.metrics.ReconnectScheduled.Inc()
	c.logger.Info("reconnect scheduled", "attempt", attempt, "max", maxAttempts, "delay", delay)
	c.status.Update(ReconnectingText(attempt, maxAttempts), false)

	go c.awaitRetry(r)
}

// awaitRetry 等待定时器触发后重新连接
func (c *Controller) awaitRetry(r *pendingRetry) {
	select {
	case <-r.timer.Chan():
	case <-r.stop:
		return
	}

	c.mu.Lock()
	if c.retry != r {
		// 已被取消或替换
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.mu.Unlock()

	c.Connect(c.ctx)
}

// cancelRetryLocked 取消待执行的重连，调用方持有 c.mu
func (c *Controller) cancelRetryLocked() {
	if c.retry == nil {
		return
	}
	c.retry.timer.Stop()
	close(c.retry.stop)
	c.retry = nil
}

// RetryPending 是否有待执行的重连
func (c *Controller) RetryPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry != nil
}
