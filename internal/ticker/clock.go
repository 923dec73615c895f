package ticker

import (
	"context"
	"math"
	"sync"
	"time"

	"papertrade/internal/event"
)

// Clock is a simulated clock advanced by time_step events. Replay
// goroutines in stepped mode block on WaitUntil instead of sleeping, so
// the stepper fully controls the pace of the simulation.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	changed chan struct{}
}

// NewClock creates a clock at the zero time.
func NewClock() *Clock {
	return &Clock{changed: make(chan struct{})}
}

// Advance moves the clock forward and wakes all waiters. Moves backwards
// are ignored so a replayed time_step cannot rewind the simulation.
func (c *Clock) Advance(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !t.After(c.now) {
		return
	}
	c.now = t
	close(c.changed)
	c.changed = make(chan struct{})
}

// Now returns the current simulated time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// WaitUntil blocks until the simulated clock reaches target or ctx is
// cancelled.
func (c *Clock) WaitUntil(ctx context.Context, target time.Time) error {
	for {
		c.mu.Lock()
		if !c.now.Before(target) {
			c.mu.Unlock()
			return nil
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// OnEvent advances the clock from time_step events on the bus.
func (c *Clock) OnEvent(_ context.Context, e event.Event) error {
	step, ok := e.(event.TimeStep)
	if !ok {
		return nil
	}
	sec, frac := math.Modf(step.Timestamp)
	c.Advance(time.Unix(int64(sec), int64(frac*1e9)).UTC())
	return nil
}
