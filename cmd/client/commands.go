package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/BetaCatPro/ws-relay/internal/errors"
	"github.com/BetaCatPro/ws-relay/pkg/client"
)

const helpText = `/reset                 start a new agent session
/usage                 refresh usage
/approve <id>          approve a permission request
/deny <id>             deny a permission request
/answer 1=a,2=b        answer the agent's questions
/reconnect             reconnect now
/status                check the connection and show its status
/logout                sign out and quit
/quit                  quit`

// dispatch 处理一行输入，返回 true 表示退出
func dispatch(ctx context.Context, c *client.Client, view *terminalView, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		// 失败时会话已提示
		_ = c.Session().SendMessage(ctx, line)
		return false, nil
	}

	name, arg := splitCommand(line)
	switch name {
	case "/quit", "/exit", "/logout":
		return true, nil

	case "/help":
		view.AddSystemMessage(helpText)

	case "/reset":
		_ = c.Session().ResetSession(ctx)

	case "/usage":
		if err := c.Session().RequestUsage(ctx); err != nil {
			return false, fmt.Errorf("usage request failed: %w", err)
		}

	case "/approve", "/deny":
		if arg == "" {
			pending := c.Session().PendingPermissions()
			if len(pending) == 0 {
				return false, fmt.Errorf("no pending permission requests")
			}
			ids := make([]string, len(pending))
			for i, p := range pending {
				ids[i] = p.RequestID + " (" + p.Tool + ")"
			}
			view.AddSystemMessage("pending: " + strings.Join(ids, ", "))
			return false, nil
		}
		err := c.Session().RespondPermission(ctx, arg, name == "/approve")
		if errors.Is(err, errors.ErrUnknownRequest) {
			return false, err
		}

	case "/answer":
		answers, err := parseAnswers(arg)
		if err != nil {
			return false, err
		}
		_ = c.Session().SubmitAnswers(ctx, answers)

	case "/reconnect":
		go c.Reconnect()

	case "/status":
		c.CheckConnection()
		text, _ := c.Status()
		stats := c.GetStats()
		view.AddSystemMessage(fmt.Sprintf("%s | state %s | attempts %d | frames %d, dropped %d",
			text, c.State(), stats.ReconnectAttempts, stats.TotalMessages, stats.DroppedMessages))

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

func splitCommand(line string) (name, arg string) {
	name, arg, _ = strings.Cut(line, " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

// parseAnswers 解析 "1=yes,2=staging,prod"；没有编号的片段并入上一个答案，
// 用于多选题。题号必须从 1 开始连续。
func parseAnswers(arg string) ([]string, error) {
	if arg == "" {
		return nil, fmt.Errorf("usage: /answer 1=<answer>[,2=<answer>...]")
	}
	byQuestion := make(map[int]string)
	last := 0
	for _, part := range strings.Split(arg, ",") {
		part = strings.TrimSpace(part)
		if k, v, ok := strings.Cut(part, "="); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(k)); err == nil {
				if n < 1 {
					return nil, fmt.Errorf("question numbers start at 1, got %d", n)
				}
				byQuestion[n] = strings.TrimSpace(v)
				last = n
				continue
			}
		}
		if last == 0 {
			return nil, fmt.Errorf("answer %q has no question number", part)
		}
		byQuestion[last] += "," + part
	}

	keys := make([]int, 0, len(byQuestion))
	for k := range byQuestion {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	answers := make([]string, len(keys))
	for i, k := range keys {
		if k != i+1 {
			return nil, fmt.Errorf("question %d is unanswered", i+1)
		}
		answers[i] = byQuestion[k]
	}
	return answers, nil
}
