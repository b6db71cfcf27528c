package retry

import (
	"context"
	"sync"
	"time"
)

// Gate is the shared rate budget for one provider credential. When any
// worker observes a provider-wide rate limit it blocks the gate; every
// worker waits out the cooldown before its next attempt.
type Gate struct {
	mu    sync.Mutex
	until time.Time
	now   func() time.Time
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{now: time.Now}
}

// Block extends the cooldown window. Shorter blocks never shrink an
// existing window.
func (g *Gate) Block(d time.Duration) {
	if g == nil || d <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	candidate := g.now().Add(d)
	if candidate.After(g.until) {
		g.until = candidate
	}
}

// Remaining reports how long the gate stays closed.
func (g *Gate) Remaining() time.Duration {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	remaining := time.Until(g.until)
	if g.now != nil {
		remaining = g.until.Sub(g.now())
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Wait sleeps out the current cooldown, observing ctx.
func (g *Gate) Wait(ctx context.Context, sleep func(context.Context, time.Duration) error) error {
	if g == nil {
		return ctx.Err()
	}
	remaining := g.Remaining()
	if remaining <= 0 {
		return ctx.Err()
	}
	if sleep == nil {
		return sleepContext(ctx, remaining)
	}
	return sleep(ctx, remaining)
}
