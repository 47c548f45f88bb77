package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveIncomingWins_LaterTimestampWins(t *testing.T) {
	assert.True(t, resolveIncomingWins(2000, "01AAA", 1000, "01ZZZ"))
	assert.False(t, resolveIncomingWins(1000, "01ZZZ", 2000, "01AAA"))
}

func TestResolveIncomingWins_TiesBreakOnEventID(t *testing.T) {
	assert.True(t, resolveIncomingWins(1000, "01ZZZ", 1000, "01AAA"))
	assert.False(t, resolveIncomingWins(1000, "01AAA", 1000, "01ZZZ"))
}

func TestResolveIncomingWins_IsDeterministic(t *testing.T) {
	// Evaluating the same pair from either side must name the same winner.
	incomingWins := resolveIncomingWins(1000, "01BBB", 1000, "01CCC")
	committedWins := resolveIncomingWins(1000, "01CCC", 1000, "01BBB")
	assert.NotEqual(t, incomingWins, committedWins)
}

func TestClampTimestamp(t *testing.T) {
	now := time.Now()
	drift := 30 * time.Second

	// Within tolerance: kept as sent, even slightly ahead.
	ahead := now.Add(10 * time.Second).UnixMilli()
	assert.Equal(t, ahead, clampTimestamp(ahead, now, drift))

	// Past timestamps are always kept.
	past := now.Add(-time.Hour).UnixMilli()
	assert.Equal(t, past, clampTimestamp(past, now, drift))

	// Beyond tolerance: replaced with the receive time.
	future := now.Add(time.Hour).UnixMilli()
	assert.Equal(t, now.UnixMilli(), clampTimestamp(future, now, drift))
}
