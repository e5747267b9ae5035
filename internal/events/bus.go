// Package events provides a pluggable bus for session domain events. The
// broker publishes joins, leaves and accepted mutations; a single-pod
// deployment uses the in-memory bus, multi-pod deployments plug in the
// Redis-backed one so mirrored sessions see each other's broadcasts.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType classifies session events.
type EventType string

const (
	EventClientJoined   EventType = "session.client.joined"
	EventClientLeft     EventType = "session.client.left"
	EventClientReaped   EventType = "session.client.reaped"
	EventTableMutated   EventType = "table.mutated"
	EventAssetConfirmed EventType = "asset.confirmed"
	EventBroadcast      EventType = "session.broadcast"
)

// Event is one domain event scoped to a session.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	SessionCode string         `json:"session_code"`
	Source      string         `json:"source"`
	Payload     map[string]any `json:"payload"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Handler processes events of a subscribed type.
type Handler func(ctx context.Context, event *Event) error

// Bus is the publish/subscribe surface.
type Bus interface {
	// Publish delivers an event to all subscribers of its type.
	Publish(ctx context.Context, event *Event) error

	// Subscribe registers a handler; the returned closure unsubscribes.
	Subscribe(eventType EventType, handler Handler) (unsubscribe func())

	// Close shuts the bus down.
	Close() error
}

// LocalBus is the in-memory implementation for single-process deployments.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]subscriberEntry
	nextID      int
	closed      bool
}

type subscriberEntry struct {
	id      int
	handler Handler
}

// NewLocalBus creates an empty in-memory bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subscribers: make(map[EventType][]subscriberEntry)}
}

// Publish fans the event out to matching subscribers asynchronously.
func (b *LocalBus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, entry := range b.subscribers[event.Type] {
		h := entry.handler
		go func() {
			if err := h(ctx, event); err != nil {
				slog.Warn("[EventBus] handler error", "type", event.Type, "error", err)
			}
		}()
	}
	return nil
}

// Subscribe registers a handler for one event type.
func (b *LocalBus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, entry := range subs {
			if entry.id == id {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Close shuts the bus down; later publishes are dropped silently.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = nil
	return nil
}
