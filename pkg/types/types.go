package types

import (
	"fmt"
	"time"
)

// Config 客户端运行配置
type Config struct {
	URL         string        // 实时服务地址 (ws:// 或 wss://)
	APIKey      string        // 服务 API Key
	ChannelName string        // 订阅的频道名
	Username    string        // 显示用的用户名
	Codec       string        // 帧编码: json / protobuf
	Compression string        // 二进制帧压缩: "" / gzip / snappy
	JoinTimeout time.Duration // 加入频道超时时间
	BufferSize  int           // 发送队列大小

	SocketHeartbeat time.Duration // 协议层心跳间隔

	ReconnectBaseDelay   time.Duration // 重连基础时间
	ReconnectMultiplier  float64       // 退避倍数
	ReconnectMaxDelay    time.Duration // 最大重连间隔
	MaxReconnectAttempts int           // 最大重连次数
	HeartbeatInterval    time.Duration // 连接存活检查间隔

	AttachAuthToken   bool // 发送消息时附带访问令牌
	EnableQueueStatus bool // 接收队列状态
	EnableUsageStatus bool // 接收并请求用量状态
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		ChannelName:          "chat-room",
		Codec:                "json",
		JoinTimeout:          10 * time.Second,
		BufferSize:           256,
		SocketHeartbeat:      25 * time.Second,
		ReconnectBaseDelay:   3 * time.Second,
		ReconnectMultiplier:  1.5,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
		HeartbeatInterval:    30 * time.Second,
		EnableQueueStatus:    true,
		EnableUsageStatus:    true,
	}
}

// ConnectionState 连接状态
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateSubscribed
	StateDisconnected
	StateFailed // 重连次数耗尽，需要人工干预
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// SubscribeStatus 订阅状态变化
type SubscribeStatus string

const (
	StatusSubscribed   SubscribeStatus = "SUBSCRIBED"
	StatusClosed       SubscribeStatus = "CLOSED"
	StatusChannelError SubscribeStatus = "CHANNEL_ERROR"
	StatusTimedOut     SubscribeStatus = "TIMED_OUT"
)

// 频道事件名
const (
	EventMessage            = "message"
	EventProgress           = "progress"
	EventPermissionRequest  = "permission_request"
	EventQueueStatus        = "queue_status"
	EventUsageStatus        = "usage_status"
	EventPermissionResponse = "permission_response"
	EventSessionReset       = "session_reset"
	EventRequestUsage       = "request_usage"
)

// ChatMessage 聊天消息
type ChatMessage struct {
	Username  string `json:"username"`
	Message   string `json:"message"`
	AuthToken string `json:"auth_token,omitempty"`
}

// ProgressUpdate 代理执行进度
type ProgressUpdate struct {
	Type      string `json:"type"` // start / init / tool_start / tool_end / complete / error / permission_request
	Model     string `json:"model,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Message   string `json:"message,omitempty"`
	Turn      int    `json:"turn,omitempty"`
	Lines     int    `json:"lines,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// complete 时的统计
	DurationSec  float64 `json:"duration_sec,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	CostKRW      float64 `json:"cost_krw,omitempty"`
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	Turns        int     `json:"turns,omitempty"`
}

// 进度类型
const (
	ProgressStart             = "start"
	ProgressInit              = "init"
	ProgressToolStart         = "tool_start"
	ProgressToolEnd           = "tool_end"
	ProgressComplete          = "complete"
	ProgressError             = "error"
	ProgressPermissionRequest = "permission_request"
)

// PermissionRequest 工具权限请求
type PermissionRequest struct {
	RequestID string `json:"request_id"`
	Tool      string `json:"tool"`
	Detail    string `json:"detail,omitempty"`
}

// PermissionResponse 权限请求的答复
type PermissionResponse struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
}

// SessionReset 会话重置请求
type SessionReset struct {
	Username  string `json:"username"`
	AuthToken string `json:"auth_token,omitempty"`
}

// QueueItem 队列中的一条请求
type QueueItem struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// QueueStatus 请求队列状态
type QueueStatus struct {
	Count int         `json:"count"`
	Items []QueueItem `json:"items"`
}

// UsageToday 当日用量
type UsageToday struct {
	TotalCost *float64 `json:"totalCost,omitempty"`
}

// UsageBlock 当前计费区块
type UsageBlock struct {
	CostUSD          *float64 `json:"costUSD,omitempty"`
	RemainingMinutes *float64 `json:"remainingMinutes,omitempty"`
}

// UsageStatus 用量状态
type UsageStatus struct {
	Today  *UsageToday    `json:"today,omitempty"`
	Totals map[string]any `json:"totals,omitempty"`
	Block  *UsageBlock    `json:"block,omitempty"`
}

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	ActiveConnections int   // 活跃连接数
	TotalMessages     int64 // 总消息数
	DroppedMessages   int64 // 丢弃消息数
	ReconnectAttempts int   // 重连尝试次数
}
