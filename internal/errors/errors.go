package errors

import (
	"errors"
	"sync"
)

// 定义错误类型
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrNotConnected     = errors.New("no active subscription")
	ErrMaxReconnect     = errors.New("max reconnect attempts reached")
	ErrBufferFull       = errors.New("message buffer full")
	ErrInvalidFrame     = errors.New("invalid frame")
	ErrJoinTimeout      = errors.New("channel join timed out")
	ErrJoinRejected     = errors.New("channel join rejected")
	ErrHeartbeatTimeout = errors.New("heartbeat reply timeout")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrMFARequired      = errors.New("multi-factor verification required")
	ErrNoSession        = errors.New("no active session")
	ErrUnknownCodec     = errors.New("unknown codec")
	ErrUnknownRequest   = errors.New("no pending permission request")
)

// Is 转发到标准库，方便调用方只导入本包
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// ErrorCenter 错误处理中心
type ErrorCenter struct {
	mu             sync.RWMutex
	errorCallbacks []func(error) // 错误回调函数列表
}

// NewErrorCenter 创建新的错误处理中心
func NewErrorCenter() *ErrorCenter {
	return &ErrorCenter{
		errorCallbacks: make([]func(error), 0),
	}
}

// AddErrorCallback 添加错误回调函数
func (ec *ErrorCenter) AddErrorCallback(callback func(error)) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.errorCallbacks = append(ec.errorCallbacks, callback)
}

// ReportError 报告错误
func (ec *ErrorCenter) ReportError(err error) {
	if err == nil {
		return
	}
	ec.mu.RLock()
	callbacks := append([]func(error){}, ec.errorCallbacks...)
	ec.mu.RUnlock()

	for _, callback := range callbacks {
		callback(err)
	}
}

// ClearCallbacks 清空所有回调函数
func (ec *ErrorCenter) ClearCallbacks() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.errorCallbacks = make([]func(error), 0)
}
