// Package rate enforces outbound message pacing. Each conversation
// gets a token bucket refilled at the configured per-minute rate up to
// a burst cap, with a minimum gap between consecutive sends.
package rate

import (
	"sync"
	"time"
)

// Limits are the externally supplied pacing parameters.
type Limits struct {
	PerMinute   int
	Burst       int
	MinInterval time.Duration
}

type bucket struct {
	tokens      float64
	refilledAt  time.Time
	lastAllowed time.Time
}

// Governor is a per-conversation token bucket rate limiter.
type Governor struct {
	mu      sync.Mutex
	limits  Limits
	buckets map[string]*bucket
	now     func() time.Time
}

func New(limits Limits) *Governor {
	if limits.Burst < 1 {
		limits.Burst = 1
	}
	return &Governor{
		limits:  limits,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow reports whether a message may be sent on the conversation now,
// spending one token when it may. A denial is not an error: callers
// route denied messages to the persistent queue instead.
func (g *Governor) Allow(conversationID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	b, ok := g.buckets[conversationID]
	if !ok {
		b = &bucket{tokens: float64(g.limits.Burst), refilledAt: now}
		g.buckets[conversationID] = b
	}

	elapsed := now.Sub(b.refilledAt)
	if elapsed > 0 && g.limits.PerMinute > 0 {
		b.tokens += elapsed.Minutes() * float64(g.limits.PerMinute)
		if b.tokens > float64(g.limits.Burst) {
			b.tokens = float64(g.limits.Burst)
		}
	}
	b.refilledAt = now

	if b.tokens < 1 {
		return false
	}
	if !b.lastAllowed.IsZero() && now.Sub(b.lastAllowed) < g.limits.MinInterval {
		return false
	}

	b.tokens--
	b.lastAllowed = now
	return true
}
