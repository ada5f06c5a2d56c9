package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/BetaCatPro/ws-relay/internal/chat"
	"github.com/BetaCatPro/ws-relay/internal/utils"
	"github.com/BetaCatPro/ws-relay/pkg/types"
	"github.com/charmbracelet/lipgloss"
)

var (
	colorAccent  = lipgloss.Color("#7C9CFF")
	colorSuccess = lipgloss.Color("#4ADE80")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#EF4444")
	colorMuted   = lipgloss.Color("#888888")
)

var styles = struct {
	Sender     lipgloss.Style
	Mine       lipgloss.Style
	System     lipgloss.Style
	Connected  lipgloss.Style
	Offline    lipgloss.Style
	Progress   lipgloss.Style
	Bash       lipgloss.Style
	Done       lipgloss.Style
	Failed     lipgloss.Style
	Permission lipgloss.Style
	Muted      lipgloss.Style
	Warning    lipgloss.Style
	Danger     lipgloss.Style
}{
	Sender:    lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
	Mine:      lipgloss.NewStyle().Bold(true).Foreground(colorSuccess),
	System:    lipgloss.NewStyle().Italic(true).Foreground(colorMuted),
	Connected: lipgloss.NewStyle().Foreground(colorSuccess),
	Offline:   lipgloss.NewStyle().Foreground(colorError),
	Progress:  lipgloss.NewStyle().Foreground(colorAccent),
	Bash:      lipgloss.NewStyle().Foreground(colorMuted).PaddingLeft(4),
	Done:      lipgloss.NewStyle().Bold(true).Foreground(colorSuccess),
	Failed:    lipgloss.NewStyle().Bold(true).Foreground(colorError),
	Permission: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorWarning).
		Padding(0, 1),
	Muted:   lipgloss.NewStyle().Foreground(colorMuted),
	Warning: lipgloss.NewStyle().Foreground(colorWarning),
	Danger:  lipgloss.NewStyle().Bold(true).Foreground(colorError),
}

// 工具图标
var toolIcons = map[string]string{
	"Read":            "📄",
	"Edit":            "✏️",
	"Write":           "📝",
	"Bash":            "💻",
	"Grep":            "🔍",
	"Glob":            "📁",
	"WebFetch":        "🌐",
	"WebSearch":       "🔎",
	"AskUserQuestion": "❓",
}

func toolIcon(tool string) string {
	if icon, ok := toolIcons[tool]; ok {
		return icon
	}
	return "🔧"
}

// terminalView 把会话事件渲染到终端
type terminalView struct {
	mu     sync.Mutex
	out    io.Writer
	status string
}

var _ chat.View = (*terminalView)(nil)

func newTerminalView(out io.Writer) *terminalView {
	return &terminalView{out: out}
}

func (v *terminalView) println(s string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, s)
}

func (v *terminalView) AddMessage(sender, text string, mine bool) {
	name := styles.Sender.Render(sender)
	if mine {
		name = styles.Mine.Render(sender)
	}
	v.println(name + "\n" + text)
}

func (v *terminalView) AddSystemMessage(text string) {
	v.println(styles.System.Render("-- " + text + " --"))
}

func (v *terminalView) SetStatus(text string, connected bool) {
	v.mu.Lock()
	changed := v.status != text
	v.status = text
	v.mu.Unlock()
	if !changed {
		return
	}
	if connected {
		v.println(styles.Connected.Render("● " + text))
	} else {
		v.println(styles.Offline.Render("○ " + text))
	}
}

func (v *terminalView) Status() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

func (v *terminalView) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	// ANSI 清屏
	fmt.Fprint(v.out, "\033[H\033[2J")
}

func (v *terminalView) Progress(p types.ProgressUpdate) {
	switch p.Type {
	case types.ProgressStart:
		v.println(styles.Progress.Render("⟳ working..."))
	case types.ProgressInit:
		v.println(styles.Muted.Render("  model: " + modelName(p.Model)))
	case types.ProgressToolStart:
		line := styles.Progress.Render(fmt.Sprintf("  %s %s", toolIcon(p.Tool), p.Tool))
		switch {
		case p.Tool == "Bash" && p.Detail != "":
			line += "\n" + styles.Bash.Render("$ "+p.Detail)
		case p.Detail != "":
			line += styles.Muted.Render(" - " + utils.Truncate(p.Detail, 80))
		}
		v.println(line)
	case types.ProgressToolEnd:
		if p.Lines > 0 {
			v.println(styles.Muted.Render(fmt.Sprintf("  ✓ %s (%d lines)", p.Tool, p.Lines)))
		}
	case types.ProgressComplete:
		krw := p.CostKRW
		if krw == 0 {
			krw = p.CostUSD * chat.USDToKRW
		}
		v.println(styles.Done.Render("✓ done") + styles.Muted.Render(fmt.Sprintf(
			"  %.1fs  $%.4f (₩%.0f)  tokens %d/%d  turns %d",
			p.DurationSec, p.CostUSD, krw, p.InputTokens, p.OutputTokens, p.Turns)))
	case types.ProgressError:
		v.println(styles.Failed.Render("! error: " + p.Message))
	}
}

func modelName(model string) string {
	switch {
	case strings.Contains(model, "opus"):
		return "Opus"
	case strings.Contains(model, "sonnet"):
		return "Sonnet"
	case strings.Contains(model, "haiku"):
		return "Haiku"
	case model == "":
		return "unknown"
	default:
		return model
	}
}

func (v *terminalView) PermissionPrompt(req types.PermissionRequest) {
	body := fmt.Sprintf("%s permission request: %s\n%s\n/approve %s   /deny %s",
		toolIcon(req.Tool), req.Tool, req.Detail, req.RequestID, req.RequestID)
	v.println(styles.Permission.Render(body))
}

func (v *terminalView) PermissionResolved(requestID string, approved bool) {
	if approved {
		v.println(styles.Connected.Render("✓ approved " + requestID))
		return
	}
	v.println(styles.Offline.Render("✕ denied " + requestID))
}

func (v *terminalView) Queue(q types.QueueStatus) {
	if q.Count == 0 {
		v.println(styles.Muted.Render("queue: empty"))
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "queue: %d waiting", q.Count)
	for i, item := range q.Items {
		fmt.Fprintf(&b, "\n  %d. %s: %s", i+1, item.Sender, utils.Truncate(item.Message, 60))
	}
	v.println(styles.Warning.Render(b.String()))
}

func (v *terminalView) Usage(u chat.UsageSummary) {
	v.println(styles.Muted.Render("usage today ") + levelStyle(u.TodayLevel).Render(u.Today) +
		styles.Muted.Render("  block ") + u.Block +
		styles.Muted.Render("  remaining ") + levelStyle(u.RemainingLevel).Render(u.Remaining))
}

func levelStyle(l chat.Level) lipgloss.Style {
	switch l {
	case chat.LevelDanger:
		return styles.Danger
	case chat.LevelWarning:
		return styles.Warning
	default:
		return lipgloss.NewStyle()
	}
}

// Notify 终端响铃
func (v *terminalView) Notify(chat.Notice) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprint(v.out, "\a")
}
