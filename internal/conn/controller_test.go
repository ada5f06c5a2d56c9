package conn

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BetaCatPro/ws-relay/internal/errors"
	"github.com/BetaCatPro/ws-relay/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type sentEvent struct {
	event   string
	payload any
}

type fakeSub struct {
	handlers Handlers
	onStatus StatusFunc
	alive    atomic.Bool

	mu      sync.Mutex
	sent    []sentEvent
	sendErr error
}

func (s *fakeSub) Send(_ context.Context, event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, sentEvent{event, payload})
	return nil
}

func (s *fakeSub) Alive() bool { return s.alive.Load() }

func (s *fakeSub) emit(status types.SubscribeStatus) {
	s.alive.Store(status == types.StatusSubscribed)
	s.onStatus(status, nil)
}

type fakeTransport struct {
	mu           sync.Mutex
	subs         []*fakeSub
	released     []*fakeSub
	subscribeErr error
	releaseErr   error
	entered      chan struct{} // 非 nil 时 Subscribe 进入后通知
	gate         chan struct{} // 非 nil 时 Subscribe 阻塞直到关闭
	joinEarly    bool          // 在 Subscribe 返回前上报 Subscribed
}

func (f *fakeTransport) Subscribe(_ context.Context, _ string, handlers Handlers, onStatus StatusFunc) (Subscription, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		f.subs = append(f.subs, nil)
		return nil, f.subscribeErr
	}
	s := &fakeSub{handlers: handlers, onStatus: onStatus}
	f.subs = append(f.subs, s)
	if f.joinEarly {
		f.mu.Unlock()
		s.emit(types.StatusSubscribed)
		f.mu.Lock()
	}
	return s, nil
}

func (f *fakeTransport) Unsubscribe(_ context.Context, sub Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, sub.(*fakeSub))
	return f.releaseErr
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeTransport) last() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[len(f.subs)-1]
}

type recordingListener struct {
	mu            sync.Mutex
	statuses      []string
	joined        []bool
	unrecoverable int
}

func (l *recordingListener) OnStatus(text string, _ bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, text)
}

func (l *recordingListener) OnJoined(first bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.joined = append(l.joined, first)
}

func (l *recordingListener) OnUnrecoverable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unrecoverable++
}

func (l *recordingListener) snapshot() ([]string, []bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.statuses...), append([]bool{}, l.joined...), l.unrecoverable
}

func newTestController(t *testing.T, tr *fakeTransport) (*Controller, *clockwork.FakeClock, *recordingListener) {
	t.Helper()
	cfg := types.DefaultConfig()
	cfg.Username = "alice@example.com"
	clock := clockwork.NewFakeClock()
	l := &recordingListener{}
	c := NewController(cfg, tr,
		WithClock(clock),
		WithListener(l),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	t.Cleanup(func() { c.Dispose(context.Background()) })
	return c, clock, l
}

func waitForSubs(t *testing.T, tr *fakeTransport, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return tr.count() == n },
		time.Second, 5*time.Millisecond, "expected %d subscribe calls", n)
}

func TestConnectFirstSubscribe(t *testing.T) {
	tr := &fakeTransport{}
	c, _, l := newTestController(t, tr)

	c.Connect(context.Background())
	require.Equal(t, 1, tr.count())
	assert.True(t, c.IsConnecting())
	assert.Equal(t, types.StateConnecting, c.State())

	tr.last().emit(types.StatusSubscribed)

	text, connected := c.Status()
	assert.Equal(t, "connected - alice@example.com", text)
	assert.True(t, connected)
	assert.Equal(t, 0, c.Attempts())
	assert.Equal(t, types.StateSubscribed, c.State())
	assert.False(t, c.IsConnecting())
	assert.True(t, c.HeartbeatRunning())

	_, joined, _ := l.snapshot()
	assert.Equal(t, []bool{true}, joined)
}

func TestConnectRegistersHandlers(t *testing.T) {
	tr := &fakeTransport{}
	c, _, _ := newTestController(t, tr)

	var got json.RawMessage
	for _, ev := range []string{types.EventMessage, types.EventProgress, types.EventPermissionRequest,
		types.EventQueueStatus, types.EventUsageStatus} {
		c.Handle(ev, func(p json.RawMessage) { got = p })
	}

	c.Connect(context.Background())
	handlers := tr.last().handlers
	assert.Len(t, handlers, 5)

	handlers[types.EventProgress](json.RawMessage(`{"type":"start"}`))
	assert.JSONEq(t, `{"type":"start"}`, string(got))
}

func TestConnectWhileConnectingIsNoop(t *testing.T) {
	tr := &fakeTransport{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	c, clock, _ := newTestController(t, tr)

	done := make(chan struct{})
	go func() {
		c.Connect(context.Background())
		close(done)
	}()
	<-tr.entered

	// 第一次连接阻塞在 Subscribe 中
	c.Connect(context.Background())
	c.CheckConnection()

	close(tr.gate)
	<-done
	assert.Equal(t, 1, tr.count())

	tr.last().emit(types.StatusSubscribed)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1), "only the heartbeat ticker should be armed")
}

func TestDuplicateSubscribedAnnouncesOnce(t *testing.T) {
	tr := &fakeTransport{}
	c, clock, l := newTestController(t, tr)

	c.Connect(context.Background())
	sub := tr.last()
	sub.emit(types.StatusSubscribed)
	sub.emit(types.StatusSubscribed)

	_, joined, _ := l.snapshot()
	assert.Equal(t, []bool{true}, joined)
	assert.True(t, c.HeartbeatRunning())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
}

func TestReconnectAnnouncement(t *testing.T) {
	tr := &fakeTransport{}
	c, clock, l := newTestController(t, tr)

	c.Connect(context.Background())
	tr.last().emit(types.StatusSubscribed)
	tr.last().emit(types.StatusClosed)

	assert.Equal(t, 1, c.Attempts())
	clock.Advance(3 * time.Second)
	waitForSubs(t, tr, 2)

	tr.last().emit(types.StatusSubscribed)
	tr.last().emit(types.StatusSubscribed)

	_, joined, _ := l.snapshot()
	assert.Equal(t, []bool{true, false}, joined)
	assert.Equal(t, 0, c.Attempts())
}

func TestBackoffUntilUnrecoverable(t *testing.T) {
	tr := &fakeTransport{}
	c, clock, l := newTestController(t, tr)

	want := []time.Duration{3000, 4500, 6750, 10125, 15188, 22781, 30000, 30000, 30000, 30000}

	c.Connect(context.Background())
	for i, w := range want {
		tr.last().emit(types.StatusClosed)

		c.mu.Lock()
		require.NotNil(t, c.retry, "attempt %d", i+1)
		delay := c.retry.delay
		attempt := c.retry.attempt
		c.mu.Unlock()

		assert.Equal(t, i+1, attempt)
		assert.Equal(t, w*time.Millisecond, delay.Round(time.Millisecond), "attempt %d", i+1)
		text, _ := c.Status()
		assert.Equal(t, ReconnectingText(i+1, 10), text)

		clock.Advance(delay)
		waitForSubs(t, tr, i+2)
	}

	// 第 11 次失败
	tr.last().emit(types.StatusClosed)
	assert.False(t, c.RetryPending())
	assert.Equal(t, types.StateFailed, c.State())
	assert.Equal(t, 10, c.Attempts())
	text, connected := c.Status()
	assert.Equal(t, StatusTextUnrecoverable, text)
	assert.False(t, connected)

	_, _, unrecoverable := l.snapshot()
	assert.Equal(t, 1, unrecoverable)

	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 11, tr.count())
}

func TestOnlyOnePendingRetry(t *testing.T) {
	tr := &fakeTransport{}
	c, _, _ := newTestController(t, tr)

	c.Connect(context.Background())
	sub := tr.last()
	sub.emit(types.StatusClosed)
	sub.emit(types.StatusChannelError)
	sub.emit(types.StatusTimedOut)

	assert.Equal(t, 1, c.Attempts())
	assert.True(t, c.RetryPending())
}

func TestTimedOutStatusText(t *testing.T) {
	tr := &fakeTransport{}
	c, _, l := newTestController(t, tr)

	c.Connect(context.Background())
	tr.last().emit(types.StatusTimedOut)

	statuses, _, _ := l.snapshot()
	assert.Contains(t, statuses, StatusTextTimedOut)
	assert.Equal(t, ReconnectingText(1, 10), statuses[len(statuses)-1])
}

func TestSubscribeErrorSchedulesRetry(t *testing.T) {
	tr := &fakeTransport{subscribeErr: stderrors.New("dial refused")}
	c, clock, l := newTestController(t, tr)

	c.Connect(context.Background())

	assert.False(t, c.IsConnecting())
	assert.True(t, c.RetryPending())
	statuses, _, _ := l.snapshot()
	assert.Equal(t, []string{StatusTextConnecting, StatusTextFailed, ReconnectingText(1, 10)}, statuses)

	clock.Advance(3 * time.Second)
	waitForSubs(t, tr, 2)
	assert.Equal(t, 2, c.Attempts())
}

func TestSuccessResetsAttempts(t *testing.T) {
	tr := &fakeTransport{}
	c, clock, _ := newTestController(t, tr)

	c.Connect(context.Background())
	for i := 0; i < 3; i++ {
		tr.last().emit(types.StatusClosed)
		c.mu.Lock()
		delay := c.retry.delay
		c.mu.Unlock()
		clock.Advance(delay)
		waitForSubs(t, tr, i+2)
	}
	assert.Equal(t, 3, c.Attempts())

	tr.last().emit(types.StatusSubscribed)
	assert.Equal(t, 0, c.Attempts())
}

func TestHeartbeatReconnectsDeadSubscription(t *testing.T) {
	tr := &fakeTransport{}
	c, clock, _ := newTestController(t, tr)

	c.Connect(context.Background())
	tr.last().emit(types.StatusSubscribed)

	// 传输层没有上报终止状态，但订阅已失效
	tr.last().alive.Store(false)
	clock.Advance(30 * time.Second)
	waitForSubs(t, tr, 2)
}

func TestHeartbeatReconnectsWhenHandleMissing(t *testing.T) {
	tr := &fakeTransport{}
	c, clock, _ := newTestController(t, tr)

	c.Connect(context.Background())
	tr.last().emit(types.StatusSubscribed)

	c.mu.Lock()
	c.sub = nil
	c.mu.Unlock()

	clock.Advance(30 * time.Second)
	waitForSubs(t, tr, 2)
}

func TestHeartbeatIdleWhileAlive(t *testing.T) {
	tr := &fakeTransport{}
	c, clock, _ := newTestController(t, tr)

	c.Connect(context.Background())
	tr.last().emit(types.StatusSubscribed)

	for i := 0; i < 3; i++ {
		clock.Advance(30 * time.Second)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, tr.count())
}

func TestCheckConnectionNoopWhileConnecting(t *testing.T) {
	tr := &fakeTransport{}
	c, _, _ := newTestController(t, tr)

	c.Connect(context.Background())
	require.True(t, c.IsConnecting())
	c.CheckConnection()
	assert.Equal(t, 1, tr.count())
}

func TestRepeatedReconnectsKeepSingleHeartbeat(t *testing.T) {
	tr := &fakeTransport{}
	c, clock, _ := newTestController(t, tr)

	for i := 0; i < 4; i++ {
		c.Connect(context.Background())
		tr.last().emit(types.StatusSubscribed)
	}
	assert.Equal(t, 4, tr.count())
	assert.Len(t, tr.released, 3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
}

func TestStaleStatusIgnored(t *testing.T) {
	tr := &fakeTransport{}
	c, _, _ := newTestController(t, tr)

	c.Connect(context.Background())
	old := tr.last()
	old.emit(types.StatusSubscribed)

	c.Connect(context.Background())
	tr.last().emit(types.StatusSubscribed)

	old.emit(types.StatusClosed)
	assert.False(t, c.RetryPending())
	assert.Equal(t, types.StateSubscribed, c.State())
}

func TestStaleStatusKeepsConnectingGate(t *testing.T) {
	tr := &fakeTransport{}
	c, _, _ := newTestController(t, tr)

	c.Connect(context.Background())
	old := tr.last()
	old.emit(types.StatusSubscribed)
	require.False(t, c.IsConnecting())

	tr.entered = make(chan struct{})
	tr.gate = make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Connect(context.Background())
	}()
	<-tr.entered

	// 新尝试仍在打开订阅时旧订阅上报断开
	old.emit(types.StatusClosed)
	assert.True(t, c.IsConnecting())
	c.Connect(context.Background())

	close(tr.gate)
	<-done
	assert.Equal(t, 2, tr.count())
	assert.False(t, c.RetryPending())
}

func TestCleanupSwallowsReleaseError(t *testing.T) {
	tr := &fakeTransport{releaseErr: stderrors.New("socket gone")}
	c, _, _ := newTestController(t, tr)

	c.Connect(context.Background())
	tr.last().emit(types.StatusSubscribed)
	tr.last().emit(types.StatusClosed)
	require.True(t, c.RetryPending())

	c.Cleanup(context.Background())
	assert.False(t, c.RetryPending())
	assert.False(t, c.HeartbeatRunning())
	assert.Len(t, tr.released, 1)
}

func TestSend(t *testing.T) {
	tr := &fakeTransport{}
	c, _, _ := newTestController(t, tr)

	err := c.Send(context.Background(), types.EventMessage, types.ChatMessage{Username: "a", Message: "b"})
	assert.True(t, errors.Is(err, errors.ErrNotConnected))

	c.Connect(context.Background())
	tr.last().emit(types.StatusSubscribed)
	require.NoError(t, c.Send(context.Background(), types.EventRequestUsage, struct{}{}))
	assert.Equal(t, types.EventRequestUsage, tr.last().sent[0].event)

	boom := stderrors.New("write failed")
	tr.last().sendErr = boom
	err = c.Send(context.Background(), types.EventMessage, nil)
	assert.True(t, errors.Is(err, boom))
}

func TestDisposeStopsEverything(t *testing.T) {
	tr := &fakeTransport{}
	c, clock, _ := newTestController(t, tr)

	c.Connect(context.Background())
	tr.last().emit(types.StatusClosed)
	c.Dispose(context.Background())

	assert.False(t, c.RetryPending())
	assert.Equal(t, types.StateIdle, c.State())

	clock.Advance(time.Minute)
	c.Connect(context.Background())
	c.CheckConnection()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, tr.count())
}

func TestMarkOffline(t *testing.T) {
	tr := &fakeTransport{}
	c, _, _ := newTestController(t, tr)
	c.MarkOffline()
	text, connected := c.Status()
	assert.Equal(t, StatusTextOffline, text)
	assert.False(t, connected)
}

// sendingListener 在加入通知中立即发送
type sendingListener struct {
	NopListener
	c   *Controller
	err chan error
}

func (l *sendingListener) OnJoined(bool) {
	l.err <- l.c.Send(context.Background(), types.EventRequestUsage, struct{}{})
}

func TestJoinedBeforeSubscribeReturns(t *testing.T) {
	tr := &fakeTransport{joinEarly: true}
	cfg := types.DefaultConfig()
	l := &sendingListener{err: make(chan error, 1)}
	c := NewController(cfg, tr,
		WithClock(clockwork.NewFakeClock()),
		WithListener(l),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	l.c = c
	t.Cleanup(func() { c.Dispose(context.Background()) })

	c.Connect(context.Background())

	select {
	case err := <-l.err:
		require.NoError(t, err, "announcement must run once the subscription is usable")
	case <-time.After(time.Second):
		t.Fatal("joined announcement not delivered")
	}
	assert.Equal(t, types.StateSubscribed, c.State())
	require.Len(t, tr.last().sent, 1)
	assert.Equal(t, types.EventRequestUsage, tr.last().sent[0].event)
}
