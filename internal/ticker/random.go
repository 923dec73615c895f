package ticker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"papertrade/internal/bus"
	"papertrade/internal/event"
)

// RandomTicker emits uniform noise in [100, 200) for each subscribed
// symbol at a fixed cadence. Useful for wiring checks and strategy
// smoke tests where price shape does not matter.
type RandomTicker struct {
	emitter  bus.Emitter
	logger   *zap.Logger
	interval time.Duration
	seed     int64

	mu      sync.Mutex
	ctx     context.Context
	subs    map[string]*tomb.Tomb
	pending []string
	seq     int64
}

// NewRandomTicker creates a random ticker. A zero interval defaults to
// one second.
func NewRandomTicker(emitter bus.Emitter, interval time.Duration, seed int64, logger *zap.Logger) *RandomTicker {
	if interval <= 0 {
		interval = time.Second
	}
	return &RandomTicker{
		emitter:  emitter,
		logger:   logger,
		interval: interval,
		seed:     seed,
		subs:     make(map[string]*tomb.Tomb),
	}
}

// Run blocks until ctx is cancelled, then stops all symbol emitters.
// Subscriptions made before Run are started on entry.
func (r *RandomTicker) Run(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, symbol := range pending {
		if err := r.Subscribe(symbol); err != nil {
			r.logger.Error("failed to start pending symbol",
				zap.String("symbol", symbol),
				zap.Error(err),
			)
		}
	}

	<-ctx.Done()

	r.mu.Lock()
	subs := make([]*tomb.Tomb, 0, len(r.subs))
	for _, t := range r.subs {
		subs = append(subs, t)
	}
	r.subs = make(map[string]*tomb.Tomb)
	r.mu.Unlock()

	for _, t := range subs {
		t.Kill(nil)
		_ = t.Wait()
	}
	return ctx.Err()
}

// Subscribe starts emitting noise for symbol.
func (r *RandomTicker) Subscribe(symbol string) error {
	r.mu.Lock()
	if r.ctx == nil {
		r.pending = append(r.pending, symbol)
		r.mu.Unlock()
		return nil
	}
	if _, ok := r.subs[symbol]; ok {
		r.mu.Unlock()
		r.logger.Warn("symbol already subscribed", zap.String("symbol", symbol))
		return nil
	}

	t, tctx := tomb.WithContext(r.ctx)
	r.subs[symbol] = t
	r.seq++
	seed := r.seed + r.seq
	r.mu.Unlock()

	t.Go(func() error {
		rng := rand.New(rand.NewSource(seed))
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-tctx.Done():
				return nil
			case <-ticker.C:
				tick := event.Tick{
					EventTime: event.Now(),
					Symbol:    symbol,
					Price:     100 + rng.Float64()*100,
				}
				if err := r.emitter.Emit(tctx, tick); err != nil {
					if errors.Is(err, bus.ErrBusy) {
						continue
					}
					r.logger.Error("failed to emit tick",
						zap.String("symbol", symbol),
						zap.Error(err),
					)
				}
			}
		}
	})

	r.logger.Info("random ticks started", zap.String("symbol", symbol))
	return nil
}

// Unsubscribe stops emitting for symbol.
func (r *RandomTicker) Unsubscribe(symbol string) error {
	r.mu.Lock()
	t, ok := r.subs[symbol]
	delete(r.subs, symbol)
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("symbol not subscribed", zap.String("symbol", symbol))
		return nil
	}

	t.Kill(nil)
	_ = t.Wait()
	r.logger.Info("random ticks stopped", zap.String("symbol", symbol))
	return nil
}
