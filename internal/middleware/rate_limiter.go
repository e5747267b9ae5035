// Package middleware carries cross-cutting request policies for the
// connection layer.
package middleware

import (
	"log/slog"
	"sync"
	"time"
)

// RateLimiter enforces a per-client message budget using a sliding one
// minute window. Over-limit frames are answered with rate_limited; the
// connection stays open.
type RateLimiter struct {
	mu       sync.RWMutex
	windows  map[string]*rateLimitWindow
	defaults RateLimitConfig
	stop     chan struct{}
	stopOnce sync.Once
}

// RateLimitConfig defines the thresholds.
type RateLimitConfig struct {
	MaxMessagesPerMinute int // soft limit per client
	BurstSize            int // hard ceiling allowing short bursts
}

type rateLimitWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a limiter and starts its window garbage collector.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxMessagesPerMinute == 0 {
		cfg.MaxMessagesPerMinute = 600 // 10/s, generous for drag-move streams
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxMessagesPerMinute * 2
	}
	rl := &RateLimiter{
		windows:  make(map[string]*rateLimitWindow),
		defaults: cfg,
		stop:     make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a message from the given client key fits the budget.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	// Fast path under read lock; count increments race benignly, this is a
	// soft limit.
	rl.mu.RLock()
	window, exists := rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		count := window.count
		rl.mu.RUnlock()

		if count > rl.defaults.BurstSize {
			slog.Warn("rate limit exceeded (burst)", "client", key, "count", count, "limit", rl.defaults.BurstSize)
			return false
		}
		if count > rl.defaults.MaxMessagesPerMinute {
			slog.Warn("rate limit exceeded", "client", key, "count", count, "limit", rl.defaults.MaxMessagesPerMinute)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	window, exists = rl.windows[key]
	if !exists || now.Sub(window.windowStart) > time.Minute {
		rl.windows[key] = &rateLimitWindow{count: 1, windowStart: now}
		return true
	}
	window.count++
	return window.count <= rl.defaults.BurstSize
}

// Forget drops a client's window, e.g. on disconnect.
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.windows, key)
}

// Close stops the background cleanup.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * time.Minute)
			rl.mu.Lock()
			for key, w := range rl.windows {
				if w.windowStart.Before(cutoff) {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}
