package gateway_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daygraph-backend/application/gateway"
)

func TestRateLimiter_AllowsUpToCap(t *testing.T) {
	limiter := gateway.NewRateLimiter()
	caps := gateway.RateCaps{PerMinute: 3}

	for i := 0; i < 3; i++ {
		ok, _, _ := limiter.Check("u1", caps)
		require.True(t, ok)
		limiter.Record("u1")
	}

	ok, window, retryAfter := limiter.Check("u1", caps)
	require.False(t, ok)
	assert.Equal(t, gateway.WindowMinute, window)
	assert.GreaterOrEqual(t, retryAfter, time.Second)
	assert.LessOrEqual(t, retryAfter, time.Minute)
}

func TestRateLimiter_CheckDoesNotRecord(t *testing.T) {
	limiter := gateway.NewRateLimiter()
	caps := gateway.RateCaps{PerMinute: 1}

	for i := 0; i < 5; i++ {
		ok, _, _ := limiter.Check("u1", caps)
		require.True(t, ok, "checks alone must not consume the window")
	}
	limiter.Record("u1")

	ok, _, _ := limiter.Check("u1", caps)
	assert.False(t, ok)
}

func TestRateLimiter_UsersAreIndependent(t *testing.T) {
	limiter := gateway.NewRateLimiter()
	caps := gateway.RateCaps{PerMinute: 1}

	limiter.Record("u1")
	ok, _, _ := limiter.Check("u1", caps)
	require.False(t, ok)

	ok, _, _ = limiter.Check("u2", caps)
	assert.True(t, ok)
}

func TestRateLimiter_NamesSmallestExceededWindow(t *testing.T) {
	limiter := gateway.NewRateLimiter()
	caps := gateway.RateCaps{PerMinute: 1, PerHour: 100, PerDay: 1000}

	limiter.Record("u1")
	ok, window, _ := limiter.Check("u1", caps)
	require.False(t, ok)
	assert.Equal(t, gateway.WindowMinute, window)
}

func TestRateLimiter_Reset(t *testing.T) {
	limiter := gateway.NewRateLimiter()
	caps := gateway.RateCaps{PerMinute: 1}

	limiter.Record("u1")
	ok, _, _ := limiter.Check("u1", caps)
	require.False(t, ok)

	limiter.Reset("u1")
	ok, _, _ = limiter.Check("u1", caps)
	assert.True(t, ok)
}

func TestRateLimiter_ZeroCapDisablesWindow(t *testing.T) {
	limiter := gateway.NewRateLimiter()
	caps := gateway.RateCaps{PerMinute: 0, PerHour: 0, PerDay: 0}

	for i := 0; i < 100; i++ {
		limiter.Record("u1")
	}
	ok, _, _ := limiter.Check("u1", caps)
	assert.True(t, ok)
}
