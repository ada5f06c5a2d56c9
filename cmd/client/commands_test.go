package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BetaCatPro/ws-relay/internal/chat"
	"github.com/BetaCatPro/ws-relay/pkg/client"
	"github.com/BetaCatPro/ws-relay/pkg/server"
	"github.com/BetaCatPro/ws-relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAnswers(t *testing.T) {
	answers, err := parseAnswers("1=yes, 2=staging,prod")
	require.NoError(t, err)
	assert.Equal(t, []string{"yes", "staging,prod"}, answers)
	assert.Equal(t, "[Answer] Q1: yes | Q2: staging,prod", chat.FormatAnswers(answers))

	answers, err = parseAnswers("2=b,1=a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, answers)
}

func TestParseAnswersErrors(t *testing.T) {
	for _, in := range []string{"", "yes", "2=b", "0=a", "1=a,3=c"} {
		_, err := parseAnswers(in)
		assert.Error(t, err, in)
	}
}

func TestSplitCommand(t *testing.T) {
	name, arg := splitCommand("/APPROVE  r-1 ")
	assert.Equal(t, "/approve", name)
	assert.Equal(t, "r-1", arg)

	name, arg = splitCommand("/reset")
	assert.Equal(t, "/reset", name)
	assert.Empty(t, arg)
}

func TestTerminalView(t *testing.T) {
	var buf bytes.Buffer
	v := newTerminalView(&buf)

	v.SetStatus("connected - alice", true)
	v.SetStatus("connected - alice", true)
	assert.Equal(t, 1, strings.Count(buf.String(), "connected - alice"))
	assert.Equal(t, "connected - alice", v.Status())

	v.PermissionPrompt(types.PermissionRequest{RequestID: "r1", Tool: "Bash", Detail: "make test"})
	assert.Contains(t, buf.String(), "/approve r1")

	v.Queue(types.QueueStatus{Count: 1, Items: []types.QueueItem{{Sender: "bob", Message: "deploy"}}})
	assert.Contains(t, buf.String(), "bob: deploy")

	v.Notify(chat.NoticeQueueDrained)
	assert.True(t, strings.HasSuffix(buf.String(), "\a"))
}

func TestModelName(t *testing.T) {
	assert.Equal(t, "Opus", modelName("claude-opus-4"))
	assert.Equal(t, "unknown", modelName(""))
	assert.Equal(t, "gpt", modelName("gpt"))
}

func TestStatusCommandChecksConnection(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	relay := server.NewServer(":0", types.DefaultConfig(), server.WithLogger(quiet))
	ts := httptest.NewServer(relay.Handler())
	t.Cleanup(func() {
		_ = relay.Stop(context.Background())
		ts.Close()
	})

	cfg := types.DefaultConfig()
	cfg.URL = "ws" + strings.TrimPrefix(ts.URL, "http") + server.WebSocketPath
	cfg.Username = "alice"
	var buf bytes.Buffer
	view := newTerminalView(&buf)
	c := client.NewClient(cfg, view, client.WithLogger(quiet))
	t.Cleanup(func() { c.Close(context.Background()) })

	done, err := dispatch(context.Background(), c, view, "/status")
	require.NoError(t, err)
	assert.False(t, done)
	require.Eventually(t, func() bool { return c.State() == types.StateSubscribed },
		2*time.Second, 10*time.Millisecond)
}
