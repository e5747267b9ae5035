// Package infra provides the concrete Redis adapter. It implements the
// events.PubSubClient interface plus the session presence keys; when Redis
// is unreachable at startup, main falls back to the in-memory bus.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// GoRedisAdapter wraps go-redis v9 behind the minimal interfaces the rest
// of the server expects.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter connects and pings; the caller decides whether a
// failure means fallback or fatal.
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

// Publish sends a message to a Redis Pub/Sub channel.
func (a *GoRedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for messages on a channel and returns an
// unsubscribe function.
func (a *GoRedisAdapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation before handing back control.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() {
		if err := sub.Close(); err != nil {
			slog.Warn("redis unsubscribe failed", "channel", channel, "error", err)
		}
	}, nil
}

// Presence keys: each session keeps a Redis set of connected client ids so
// operators (and other pods) can see rosters without asking every broker.

func presenceKey(sessionCode string) string {
	return "tf:sessions:" + sessionCode + ":clients"
}

// AddPresence records a client in the session's presence set.
func (a *GoRedisAdapter) AddPresence(ctx context.Context, sessionCode, clientID string) error {
	return a.rdb.SAdd(ctx, presenceKey(sessionCode), clientID).Err()
}

// RemovePresence removes a client from the session's presence set.
func (a *GoRedisAdapter) RemovePresence(ctx context.Context, sessionCode, clientID string) error {
	return a.rdb.SRem(ctx, presenceKey(sessionCode), clientID).Err()
}

// SessionPresence lists the clients recorded for a session.
func (a *GoRedisAdapter) SessionPresence(ctx context.Context, sessionCode string) ([]string, error) {
	return a.rdb.SMembers(ctx, presenceKey(sessionCode)).Result()
}
