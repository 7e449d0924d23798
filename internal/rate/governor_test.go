package rate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowSpendsBurst(t *testing.T) {
	g := New(Limits{PerMinute: 60, Burst: 3})

	now := time.Now()
	g.now = func() time.Time { return now }

	assert.True(t, g.Allow("c1"))
	now = now.Add(100 * time.Millisecond)
	assert.True(t, g.Allow("c1"))
	now = now.Add(100 * time.Millisecond)
	assert.True(t, g.Allow("c1"))

	// Burst is spent faster than it refills.
	now = now.Add(100 * time.Millisecond)
	assert.False(t, g.Allow("c1"))
}

func TestRefillOverTime(t *testing.T) {
	g := New(Limits{PerMinute: 60, Burst: 1})

	now := time.Now()
	g.now = func() time.Time { return now }

	assert.True(t, g.Allow("c1"))
	assert.False(t, g.Allow("c1"))

	// One token per second at 60/minute.
	now = now.Add(time.Second)
	assert.True(t, g.Allow("c1"))
}

func TestMinIntervalEnforced(t *testing.T) {
	g := New(Limits{PerMinute: 600, Burst: 10, MinInterval: time.Second})

	now := time.Now()
	g.now = func() time.Time { return now }

	assert.True(t, g.Allow("c1"))

	now = now.Add(200 * time.Millisecond)
	assert.False(t, g.Allow("c1"), "tokens available but minimum gap not elapsed")

	now = now.Add(time.Second)
	assert.True(t, g.Allow("c1"))
}

func TestConversationsAreIndependent(t *testing.T) {
	g := New(Limits{PerMinute: 60, Burst: 1})

	now := time.Now()
	g.now = func() time.Time { return now }

	assert.True(t, g.Allow("c1"))
	assert.False(t, g.Allow("c1"))
	assert.True(t, g.Allow("c2"), "a drained bucket must not affect other conversations")
}
