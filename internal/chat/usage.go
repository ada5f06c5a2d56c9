package chat

import (
	"fmt"
	"math"

	"github.com/BetaCatPro/ws-relay/pkg/types"
	"github.com/dustin/go-humanize"
)

// USDToKRW 美元兑韩元汇率
const USDToKRW = 1430

// Level 用量提示级别
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelDanger
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelDanger:
		return "danger"
	default:
		return "normal"
	}
}

// UsageSummary 格式化后的用量
type UsageSummary struct {
	Today          string
	TodayLevel     Level
	Block          string
	Remaining      string
	RemainingLevel Level
}

// SummarizeUsage 将用量状态格式化为展示文本
func SummarizeUsage(u types.UsageStatus) UsageSummary {
	s := UsageSummary{Today: "$0.00", Block: "-", Remaining: "-"}

	if u.Today != nil && u.Today.TotalCost != nil {
		cost := *u.Today.TotalCost
		s.Today = FormatCost(cost)
		s.TodayLevel = CostLevel(cost)
	}
	if u.Block != nil && u.Block.CostUSD != nil {
		s.Block = FormatCost(*u.Block.CostUSD)
	}
	if u.Block != nil && u.Block.RemainingMinutes != nil {
		minutes := int(math.Round(*u.Block.RemainingMinutes))
		s.Remaining = FormatRemaining(minutes)
		s.RemainingLevel = RemainingLevel(minutes)
	}
	return s
}

// FormatCost "$12.34 (₩17,646)"
func FormatCost(usd float64) string {
	krw := int64(math.Round(usd * USDToKRW))
	return fmt.Sprintf("$%.2f (₩%s)", usd, humanize.Comma(krw))
}

// CostLevel $50 以上警告，$100 以上危险
func CostLevel(usd float64) Level {
	switch {
	case usd >= 100:
		return LevelDanger
	case usd >= 50:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// FormatRemaining 超过一小时显示 "2h 5m"，否则 "45m"
func FormatRemaining(minutes int) string {
	if minutes > 60 {
		return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
	}
	return fmt.Sprintf("%dm", minutes)
}

// RemainingLevel 剩余 60 分钟以内警告，30 分钟以内危险
func RemainingLevel(minutes int) Level {
	switch {
	case minutes <= 30:
		return LevelDanger
	case minutes <= 60:
		return LevelWarning
	default:
		return LevelNormal
	}
}
