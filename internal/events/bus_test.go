package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
		return nil
	}
}

func TestLocalBus_PublishReachesSubscribers(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	got := make(chan *Event, 1)
	bus.Subscribe(EventClientJoined, func(_ context.Context, e *Event) error {
		got <- e
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), &Event{
		Type:        EventClientJoined,
		SessionCode: "GAME42",
		Payload:     map[string]any{"client_id": "c1"},
	}))

	e := waitEvent(t, got)
	assert.Equal(t, "GAME42", e.SessionCode)
	assert.Equal(t, "c1", e.Payload["client_id"])
}

func TestLocalBus_TypeIsolationAndUnsubscribe(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	var mu sync.Mutex
	var joined, left int
	unsub := bus.Subscribe(EventClientJoined, func(context.Context, *Event) error {
		mu.Lock()
		joined++
		mu.Unlock()
		return nil
	})
	bus.Subscribe(EventClientLeft, func(context.Context, *Event) error {
		mu.Lock()
		left++
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, &Event{Type: EventClientJoined}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return joined == 1 && left == 0
	}, time.Second, 5*time.Millisecond)

	unsub()
	require.NoError(t, bus.Publish(ctx, &Event{Type: EventClientJoined}))
	require.NoError(t, bus.Publish(ctx, &Event{Type: EventClientLeft}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return left == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, joined, "unsubscribed handler no longer fires")
	mu.Unlock()
}

func TestLocalBus_ClosedBusDropsPublishes(t *testing.T) {
	bus := NewLocalBus()
	fired := false
	bus.Subscribe(EventBroadcast, func(context.Context, *Event) error {
		fired = true
		return nil
	})
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Publish(context.Background(), &Event{Type: EventBroadcast}))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, fired)
}

// fakePubSub is an in-process PubSubClient that loops published messages
// straight back to subscribers on the same channel.
type fakePubSub struct {
	mu       sync.Mutex
	handlers map[string][]func([]byte)
	failPub  bool
	channels []string
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{handlers: make(map[string][]func([]byte))}
}

func (f *fakePubSub) Publish(_ context.Context, channel string, message []byte) error {
	f.mu.Lock()
	if f.failPub {
		f.mu.Unlock()
		return context.DeadlineExceeded
	}
	handlers := append([]func([]byte){}, f.handlers[channel]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(message)
	}
	return nil
}

func (f *fakePubSub) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[channel] = append(f.handlers[channel], handler)
	f.channels = append(f.channels, channel)
	return func() {}, nil
}

func TestRedisBus_RoundTripsThroughPubSub(t *testing.T) {
	ps := newFakePubSub()
	bus := NewRedisBus(ps, "")
	defer bus.Close()

	got := make(chan *Event, 1)
	bus.Subscribe(EventAssetConfirmed, func(_ context.Context, e *Event) error {
		got <- e
		return nil
	})
	assert.Contains(t, ps.channels, "tf:events:"+string(EventAssetConfirmed))

	require.NoError(t, bus.Publish(context.Background(), &Event{
		Type:        EventAssetConfirmed,
		SessionCode: "GAME42",
		Payload:     map[string]any{"asset_id": "abc"},
	}))

	e := waitEvent(t, got)
	assert.Equal(t, "GAME42", e.SessionCode)
	assert.Equal(t, "abc", e.Payload["asset_id"])
	assert.NotEmpty(t, e.ID, "publish assigns an event id")
	assert.False(t, e.Timestamp.IsZero())
}

func TestRedisBus_PublishFailureFallsBackToLocal(t *testing.T) {
	ps := newFakePubSub()
	ps.failPub = true
	bus := NewRedisBus(ps, "custom:")
	defer bus.Close()

	got := make(chan *Event, 1)
	bus.Subscribe(EventTableMutated, func(_ context.Context, e *Event) error {
		got <- e
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), &Event{
		Type:    EventTableMutated,
		Payload: map[string]any{"table_id": "t1"},
	}))

	e := waitEvent(t, got)
	assert.Equal(t, "t1", e.Payload["table_id"])
}

func TestRedisBus_ClosedRejectsPublish(t *testing.T) {
	bus := NewRedisBus(newFakePubSub(), "")
	require.NoError(t, bus.Close())
	err := bus.Publish(context.Background(), &Event{Type: EventBroadcast})
	require.Error(t, err)
}
