package conn

import (
	"fmt"
	"sync"
)

// 状态文本
const (
	StatusTextConnecting    = "connecting..."
	StatusTextDisconnected  = "disconnected"
	StatusTextTimedOut      = "connection timed out"
	StatusTextFailed        = "connection failed"
	StatusTextUnrecoverable = "connection failed - reload required"
	StatusTextOffline       = "offline"
	StatusTextIdle          = "not connected"
)

// ConnectedText 已连接状态文本
func ConnectedText(username string) string {
	if username == "" {
		return "connected"
	}
	return "connected - " + username
}

// ReconnectingText 重连中状态文本
func ReconnectingText(attempt, max int) string {
	return fmt.Sprintf("reconnecting... (%d/%d)", attempt, max)
}

// StatusReporter 对外展示的连接状态
type StatusReporter struct {
	mu        sync.RWMutex
	text      string
	connected bool
	onChange  func(text string, connected bool)
}

// NewStatusReporter 创建状态上报器
func NewStatusReporter(onChange func(text string, connected bool)) *StatusReporter {
	return &StatusReporter{text: StatusTextIdle, onChange: onChange}
}

// Update 更新状态并通知
func (s *StatusReporter) Update(text string, connected bool) {
	s.mu.Lock()
	s.text = text
	s.connected = connected
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(text, connected)
	}
}

// Get 返回当前状态
func (s *StatusReporter) Get() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.text, s.connected
}
