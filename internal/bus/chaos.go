package bus

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InjectorConfig controls deterministic failure injection on the bus.
type InjectorConfig struct {
	Enabled    bool
	DropPct    int
	DelayMsMin int
	DelayMsMax int
	Seed       int64
}

// Injector injects seeded, reproducible delays and drops into Emit so
// simulations can be rerun against an unreliable transport.
type Injector struct {
	cfg    InjectorConfig
	logger *zap.Logger
	mu     sync.Mutex
	rng    *rand.Rand
}

// NewInjector creates an injector. A zero seed still yields a fixed
// sequence, which keeps runs reproducible by default.
func NewInjector(cfg InjectorConfig, logger *zap.Logger) *Injector {
	return &Injector{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// MaybeDelay injects a random delay if injection is enabled.
func (c *Injector) MaybeDelay(ctx context.Context, op string) error {
	if !c.cfg.Enabled {
		return nil
	}
	if c.cfg.DelayMsMin == 0 && c.cfg.DelayMsMax == 0 {
		return nil
	}

	c.mu.Lock()
	var delayMs int
	if c.cfg.DelayMsMin == c.cfg.DelayMsMax {
		delayMs = c.cfg.DelayMsMin
	} else {
		delayMs = c.cfg.DelayMsMin + c.rng.Intn(c.cfg.DelayMsMax-c.cfg.DelayMsMin+1)
	}
	c.mu.Unlock()

	if delayMs > 0 {
		c.logger.Info("chaos delay injected",
			zap.String("op", op),
			zap.Int("delay_ms", delayMs),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(delayMs) * time.Millisecond):
			return nil
		}
	}

	return nil
}

// MaybeDrop returns true if the event should be dropped.
func (c *Injector) MaybeDrop(op string) bool {
	if !c.cfg.Enabled || c.cfg.DropPct == 0 {
		return false
	}

	c.mu.Lock()
	drop := c.rng.Intn(100) < c.cfg.DropPct
	c.mu.Unlock()

	if drop {
		c.logger.Info("chaos drop injected",
			zap.String("op", op),
			zap.Bool("dropped", true),
		)
	}

	return drop
}
