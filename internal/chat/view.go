package chat

import "github.com/BetaCatPro/ws-relay/pkg/types"

// Notice 提示音类型
type Notice int

const (
	NoticePermission   Notice = iota // 收到权限请求
	NoticeQueueDrained               // 请求队列处理完毕
)

// View 前端展示接口，所有方法都可能在非主 goroutine 上调用
type View interface {
	AddMessage(sender, text string, mine bool)
	AddSystemMessage(text string)
	SetStatus(text string, connected bool)
	Clear()

	Progress(p types.ProgressUpdate)
	PermissionPrompt(req types.PermissionRequest)
	PermissionResolved(requestID string, approved bool)
	Queue(q types.QueueStatus)
	Usage(u UsageSummary)
	Notify(n Notice)
}
