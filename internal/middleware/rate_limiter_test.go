package middleware

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_AllowsUnderBudget(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxMessagesPerMinute: 10, BurstSize: 10})
	defer rl.Close()

	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow("c1"), "message %d within budget", i)
	}
	assert.False(t, rl.Allow("c1"), "11th message in the window is rejected")
}

func TestRateLimiter_ClientsAreIndependent(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxMessagesPerMinute: 1, BurstSize: 1})
	defer rl.Close()

	assert.True(t, rl.Allow("c1"))
	assert.False(t, rl.Allow("c1"))
	assert.True(t, rl.Allow("c2"), "another client's window is untouched")
}

func TestRateLimiter_ForgetResetsWindow(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxMessagesPerMinute: 1, BurstSize: 1})
	defer rl.Close()

	assert.True(t, rl.Allow("c1"))
	assert.False(t, rl.Allow("c1"))

	rl.Forget("c1")
	assert.True(t, rl.Allow("c1"), "a reconnecting client starts fresh")
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{})
	defer rl.Close()

	assert.Equal(t, 600, rl.defaults.MaxMessagesPerMinute)
	assert.Equal(t, 1200, rl.defaults.BurstSize)
}
