package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentcore/pkg/errcore"
)

type inbox struct {
	mu       sync.Mutex
	messages []Message
}

func (i *inbox) handler(ctx context.Context, msg Message) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.messages = append(i.messages, msg)
	return nil
}

func (i *inbox) received() []Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]Message(nil), i.messages...)
}

func newTestBus(cfg Config) *Bus {
	logger := zerolog.Nop()
	cfg.Logger = &logger
	return New(cfg)
}

func TestRoute_AllowList(t *testing.T) {
	b := newTestBus(Config{})
	box := &inbox{}
	b.AddHandler(TypeCommand, box.handler)
	b.AddRoute("agent-1", "agent-2")
	ctx := context.Background()

	assert.True(t, b.Route(ctx, NewMessage(TypeCommand, "agent-1", "agent-2", "")))
	assert.False(t, b.Route(ctx, NewMessage(TypeCommand, "agent-1", "agent-3", "")))
	assert.True(t, b.Route(ctx, NewMessage(TypeCommand, "free-agent", "anyone", "")), "senders without routes are unrestricted")

	assert.Len(t, box.received(), 2)
	stats := b.Stats()
	assert.Equal(t, int64(2), stats.Routed)
	assert.Equal(t, int64(1), stats.Undeliverable)
}

func TestRoute_HandlersAndDefault(t *testing.T) {
	b := newTestBus(Config{})
	ctx := context.Background()

	assert.False(t, b.Route(ctx, NewMessage(TypeDebug, "a", "b", "")), "no handler at all")

	first, second, fallback := &inbox{}, &inbox{}, &inbox{}
	b.AddHandler(TypeStatus, first.handler)
	b.AddHandler(TypeStatus, second.handler)
	b.SetDefaultHandler(fallback.handler)

	assert.True(t, b.Route(ctx, NewMessage(TypeStatus, "a", "b", "")))
	assert.True(t, b.Route(ctx, NewMessage(TypeDebug, "a", "b", "")))

	assert.Len(t, first.received(), 1)
	assert.Len(t, second.received(), 1)
	require.Len(t, fallback.received(), 1)
	assert.Equal(t, TypeDebug, fallback.received()[0].Type)
}

func TestRoute_HandlerFailuresGoToErrorHandler(t *testing.T) {
	core := errcore.New(func() errcore.Config {
		cfg := errcore.DefaultConfig()
		logger := zerolog.Nop()
		cfg.Logger = &logger
		return cfg
	}())
	b := newTestBus(Config{Errors: core})
	ctx := context.Background()

	var mu sync.Mutex
	var reported []error
	b.SetErrorHandler(func(ctx context.Context, msg Message, err error) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, err)
	})

	ok := &inbox{}
	b.AddHandler(TypeRequest, func(ctx context.Context, msg Message) error { return errors.New("handler broke") })
	b.AddHandler(TypeRequest, func(ctx context.Context, msg Message) error { panic("handler panicked") })
	b.AddHandler(TypeRequest, ok.handler)

	assert.True(t, b.Route(ctx, NewMessage(TypeRequest, "a", "b", "")), "one healthy handler is enough")
	assert.Len(t, ok.received(), 1)

	mu.Lock()
	require.Len(t, reported, 2)
	var herr *HandlerError
	assert.ErrorAs(t, reported[0], &herr)
	var panicErr *errcore.PanicError
	assert.ErrorAs(t, reported[1], &panicErr)
	mu.Unlock()

	assert.Equal(t, int64(2), b.Stats().HandlerErrors)
	assert.Len(t, core.Ledger().ForEntity("b"), 2)
}

func TestRoute_AllHandlersFailing(t *testing.T) {
	b := newTestBus(Config{})
	b.AddHandler(TypeRequest, func(ctx context.Context, msg Message) error { return errors.New("no") })

	assert.False(t, b.Route(context.Background(), NewMessage(TypeRequest, "a", "b", "")))
}

func TestBroadcast_ExcludesRecipients(t *testing.T) {
	b := newTestBus(Config{})
	box := &inbox{}
	b.AddHandler(TypeBroadcast, box.handler)
	b.AddRoute("agent-1", "agent-2", "agent-3")

	msg := NewMessage(TypeBroadcast, "agent-1", "all", "hello")
	delivered := b.Broadcast(context.Background(), msg, "agent-2")

	assert.Equal(t, 1, delivered)
	got := box.received()
	require.Len(t, got, 1)
	assert.Equal(t, "agent-3", got[0].Recipient)
	assert.Equal(t, msg.ID, got[0].ID)
}

func TestBroadcast_UnionOfRoutes(t *testing.T) {
	b := newTestBus(Config{})
	box := &inbox{}
	b.AddHandler(TypeBroadcast, box.handler)
	b.AddRoute("hub", "a", "b")
	b.AddRoute("other", "b", "c")

	delivered := b.Broadcast(context.Background(), NewMessage(TypeBroadcast, "kernel", "all", ""))
	assert.Equal(t, 3, delivered)

	// a sender whose allow-list lacks some recipients only reaches its own
	delivered = b.Broadcast(context.Background(), NewMessage(TypeBroadcast, "hub", "all", ""))
	assert.Equal(t, 2, delivered)
}

func TestSend_ValidatesAndQueues(t *testing.T) {
	b := newTestBus(Config{QueueSize: 2, RateLimit: 10, RateWindow: time.Minute})
	ctx := context.Background()

	bad := NewMessage(TypeCommand, "a", "", "")
	err := b.Send(ctx, bad)
	assert.True(t, IsValidationError(err))

	require.NoError(t, b.Send(ctx, NewMessage(TypeCommand, "a", "b", "")))
	require.NoError(t, b.Send(ctx, NewMessage(TypeCommand, "a", "b", "")))
	assert.ErrorIs(t, b.Send(ctx, NewMessage(TypeCommand, "a", "b", "")), ErrQueueFull)

	stats := b.Stats()
	assert.Equal(t, int64(2), stats.Sent)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, 2, stats.QueueDepth)
}

func TestSend_RateLimitRejectsMaxPlusOne(t *testing.T) {
	b := newTestBus(Config{RateLimit: 5, RateWindow: time.Minute})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Send(ctx, NewMessage(TypeStatus, "chatty", "status", "")))
	}
	assert.ErrorIs(t, b.Send(ctx, NewMessage(TypeStatus, "chatty", "status", "")), ErrRateLimited)

	b.SetRateLimit(6, time.Minute)
	assert.NoError(t, b.Send(ctx, NewMessage(TypeStatus, "chatty", "status", "")))
}

func TestLoop_DispatchesQueuedMessages(t *testing.T) {
	b := newTestBus(Config{})
	box := &inbox{}
	b.AddHandler(TypeCommand, box.handler)
	ctx := context.Background()

	require.NoError(t, b.Send(ctx, NewMessage(TypeCommand, "a", "b", "1")))

	b.Start()
	b.Start()
	defer b.Stop()

	require.NoError(t, b.Send(ctx, NewMessage(TypeCommand, "a", "b", "2")))
	require.Eventually(t, func() bool { return len(box.received()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "1", box.received()[0].Content)
	assert.Equal(t, "2", box.received()[1].Content)
}

func TestLoop_StopIsIdempotent(t *testing.T) {
	b := newTestBus(Config{})
	b.Stop()
	b.Start()
	assert.True(t, b.IsRunning())
	b.Stop()
	b.Stop()
	assert.False(t, b.IsRunning())
}

func TestLoop_SurvivesPanickingErrorHandler(t *testing.T) {
	b := newTestBus(Config{})
	box := &inbox{}
	b.AddHandler(TypeCommand, func(ctx context.Context, msg Message) error {
		if msg.Content == "boom" {
			return errors.New("boom")
		}
		return box.handler(ctx, msg)
	})
	b.SetErrorHandler(func(ctx context.Context, msg Message, err error) { panic("reporter broke") })
	ctx := context.Background()

	b.Start()
	defer b.Stop()

	require.NoError(t, b.Send(ctx, NewMessage(TypeCommand, "a", "b", "boom")))
	require.NoError(t, b.Send(ctx, NewMessage(TypeCommand, "a", "b", "after")))
	require.Eventually(t, func() bool { return len(box.received()) == 1 }, time.Second, time.Millisecond)
}

func TestPublish(t *testing.T) {
	b := newTestBus(Config{})
	status, failures := &inbox{}, &inbox{}
	b.AddHandler(TypeStatus, status.handler)
	b.AddHandler(TypeError, failures.handler)
	ctx := context.Background()

	b.Start()
	defer b.Stop()

	require.NoError(t, b.Publish(ctx, "state_changed", map[string]interface{}{"entityId": "agent-1", "to": "processing"}))
	require.NoError(t, b.Publish(ctx, "stuck", map[string]interface{}{"entityId": "agent-2", "error": "stuck"}))
	require.NoError(t, b.Publish(ctx, "heartbeat", map[string]interface{}{}))

	require.Eventually(t, func() bool {
		return len(status.received()) == 2 && len(failures.received()) == 1
	}, time.Second, time.Millisecond)

	first := status.received()[0]
	assert.Equal(t, "agent-1", first.Sender)
	assert.Equal(t, StatusRecipient, first.Recipient)
	assert.Equal(t, "state_changed", first.Metadata["topic"])

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(first.Content), &payload))
	assert.Equal(t, "processing", payload["to"])

	assert.Equal(t, KernelSender, status.received()[1].Sender)

	failure := failures.received()[0]
	assert.Equal(t, "agent-2", failure.Sender)
	assert.Equal(t, PriorityHigh, failure.Priority)
}
