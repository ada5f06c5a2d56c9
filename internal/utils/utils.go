package utils

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateSessionID 生成唯一会话ID
func GenerateSessionID() string {
	return "sess-" + uuid.NewString()
}

// GenerateConnectionID 生成唯一连接ID
func GenerateConnectionID() string {
	return "conn-" + uuid.NewString()
}

// IsValidURL 检查URL是否为 websocket 地址
func IsValidURL(url string) bool {
	return strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://")
}

// CalculateBackoff 计算第 attempt 次重连的等待时间 (attempt 从 1 开始)
//
//	delay = min(base * multiplier^(attempt-1), max)
func CalculateBackoff(attempt int, base time.Duration, multiplier float64, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(base) * math.Pow(multiplier, float64(attempt-1))
	if max > 0 && delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}

// Truncate 截断字符串，超出部分用 "..." 代替
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
