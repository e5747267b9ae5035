package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PubSubClient is the minimal Redis surface the bus needs. Keeping it an
// interface lets tests run without a Redis server.
type PubSubClient interface {
	// Publish sends a message to a channel.
	Publish(ctx context.Context, channel string, message []byte) error

	// Subscribe registers a callback for messages on a channel and returns
	// an unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisBus distributes session events across pods via Redis Pub/Sub while
// also fanning out to in-process subscribers for zero-latency local
// delivery. Publish failures degrade to local-only delivery.
type RedisBus struct {
	mu         sync.RWMutex
	pubsub     PubSubClient
	prefix     string
	localSubs  map[EventType][]subscriberEntry
	nextID     int
	unsubFuncs []func()
	closed     bool
}

// NewRedisBus creates a Redis-backed bus with the given channel prefix
// (default "tf:events:").
func NewRedisBus(client PubSubClient, channelPrefix string) *RedisBus {
	if channelPrefix == "" {
		channelPrefix = "tf:events:"
	}
	return &RedisBus{
		pubsub:    client,
		prefix:    channelPrefix,
		localSubs: make(map[EventType][]subscriberEntry),
	}
}

var _ Bus = (*RedisBus)(nil)

// Publish sends the event through Redis so every pod receives it.
func (b *RedisBus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus closed")
	}
	b.mu.RUnlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.pubsub.Publish(ctx, b.prefix+string(event.Type), data); err != nil {
		slog.Warn("[RedisBus] publish failed, local-only delivery", "type", event.Type, "error", err)
		b.deliverLocal(ctx, event)
	}
	return nil
}

// Subscribe registers a handler that receives matching events from every
// pod, plus local publishes that could not reach Redis.
func (b *RedisBus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.localSubs[eventType] = append(b.localSubs[eventType], subscriberEntry{id: id, handler: handler})

	unsub, err := b.pubsub.Subscribe(context.Background(), b.prefix+string(eventType), func(data []byte) {
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			slog.Warn("[RedisBus] bad event payload", "error", err)
			return
		}
		b.deliverLocal(context.Background(), &event)
	})
	if err != nil {
		slog.Warn("[RedisBus] redis subscribe failed, local-only mode", "type", eventType, "error", err)
	} else {
		b.unsubFuncs = append(b.unsubFuncs, unsub)
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.localSubs[eventType]
		for i, entry := range subs {
			if entry.id == id {
				b.localSubs[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Close tears down all Redis subscriptions.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, unsub := range b.unsubFuncs {
		unsub()
	}
	b.unsubFuncs = nil
	b.localSubs = nil
	return nil
}

func (b *RedisBus) deliverLocal(ctx context.Context, event *Event) {
	b.mu.RLock()
	handlers := b.localSubs[event.Type]
	b.mu.RUnlock()

	for _, entry := range handlers {
		h := entry.handler
		go func() {
			if err := h(ctx, event); err != nil {
				slog.Warn("[RedisBus] handler error", "type", event.Type, "error", err)
			}
		}()
	}
}
