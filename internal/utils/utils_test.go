package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculateBackoff(t *testing.T) {
	want := []time.Duration{
		3000 * time.Millisecond,
		4500 * time.Millisecond,
		6750 * time.Millisecond,
		10125 * time.Millisecond,
		15188 * time.Millisecond,
		22781 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}

	var prev time.Duration
	for i, w := range want {
		got := CalculateBackoff(i+1, 3*time.Second, 1.5, 30*time.Second)
		assert.Equal(t, w, got.Round(time.Millisecond), "attempt %d", i+1)
		assert.GreaterOrEqual(t, got, prev, "attempt %d", i+1)
		prev = got
	}
}

func TestCalculateBackoffClampsAttempt(t *testing.T) {
	assert.Equal(t, time.Second, CalculateBackoff(0, time.Second, 2, time.Minute))
	assert.Equal(t, time.Second, CalculateBackoff(-3, time.Second, 2, time.Minute))
}

func TestCalculateBackoffNoCap(t *testing.T) {
	assert.Equal(t, 8*time.Second, CalculateBackoff(4, time.Second, 2, 0))
}

func TestIsValidURL(t *testing.T) {
	assert.True(t, IsValidURL("ws://localhost:8080/realtime/v1/websocket"))
	assert.True(t, IsValidURL("wss://example.supabase.co/realtime/v1/websocket"))
	assert.False(t, IsValidURL("https://example.com"))
	assert.False(t, IsValidURL("w"))
	assert.False(t, IsValidURL(""))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 5))
	assert.Equal(t, "hel...", Truncate("hello", 3))
	assert.Equal(t, "안녕...", Truncate("안녕하세요", 2))
}

func TestGenerateIDs(t *testing.T) {
	a, b := GenerateSessionID(), GenerateSessionID()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "sess-"))
	assert.True(t, strings.HasPrefix(GenerateConnectionID(), "conn-"))
}
