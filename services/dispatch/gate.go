package dispatch

import (
	"context"
	"time"
)

// Gate is the pacing mechanism serializing outbound fetches. Holding the
// gate covers a whole candidate-attempt sequence; the release becomes
// effective only once the configured minimum delay has elapsed since
// acquisition, which bounds the total outbound pace toward the remote host
// even under concurrent callers.
type Gate struct {
	slot       chan struct{}
	delay      time.Duration
	acquiredAt time.Time
}

// NewGate creates a gate enforcing the given minimum spacing. A zero delay
// still serializes fetches, just without the spacing.
func NewGate(delay time.Duration) *Gate {
	g := &Gate{
		slot:  make(chan struct{}, 1),
		delay: delay,
	}
	g.slot <- struct{}{}
	return g
}

// Acquire blocks until the gate is free or the context ends.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case <-g.slot:
		g.acquiredAt = time.Now()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the gate once the minimum delay since acquisition has
// passed. It returns immediately; the actual release happens on a timer.
func (g *Gate) Release() {
	remaining := g.delay - time.Since(g.acquiredAt)
	if remaining <= 0 {
		g.slot <- struct{}{}
		return
	}

	time.AfterFunc(remaining, func() {
		g.slot <- struct{}{}
	})
}
