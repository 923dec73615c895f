package ticker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"papertrade/internal/bus"
	"papertrade/internal/data"
	"papertrade/internal/event"
)

// Replay modes.
const (
	ModeRealtime = "realtime"
	ModeFast     = "fast"
	ModeStepped  = "stepped"
)

// ReplayConfig bounds a historical replay.
type ReplayConfig struct {
	Start          time.Time
	End            time.Time
	Candle         time.Duration
	TicksPerMinute float64
	Mode           string
	Seed           int64
}

// HistoricalTicker replays stored bars as synthesized tick streams. Each
// subscribed symbol runs in its own tomb-managed goroutine; unsubscribing
// kills just that goroutine.
type HistoricalTicker struct {
	source  data.Source
	emitter bus.Emitter
	logger  *zap.Logger
	cfg     ReplayConfig
	clock   *Clock

	mu      sync.Mutex
	ctx     context.Context
	subs    map[string]*tomb.Tomb
	pending []string
	seq     int64
}

// NewHistoricalTicker creates a replay ticker. clock may be nil unless
// the mode is stepped.
func NewHistoricalTicker(source data.Source, emitter bus.Emitter, cfg ReplayConfig, clock *Clock, logger *zap.Logger) (*HistoricalTicker, error) {
	switch cfg.Mode {
	case ModeRealtime, ModeFast:
	case ModeStepped:
		if clock == nil {
			return nil, errors.New("stepped replay requires a clock")
		}
	default:
		return nil, fmt.Errorf("unknown replay mode: %q", cfg.Mode)
	}
	if cfg.Candle <= 0 {
		return nil, fmt.Errorf("invalid candle duration: %s", cfg.Candle)
	}

	return &HistoricalTicker{
		source:  source,
		emitter: emitter,
		logger:  logger,
		cfg:     cfg,
		clock:   clock,
		subs:    make(map[string]*tomb.Tomb),
	}, nil
}

// Run blocks until ctx is cancelled, then stops all symbol replays.
// Subscriptions made before Run are started on entry.
func (h *HistoricalTicker) Run(ctx context.Context) error {
	h.mu.Lock()
	h.ctx = ctx
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	for _, symbol := range pending {
		if err := h.Subscribe(symbol); err != nil {
			h.logger.Error("failed to start pending replay",
				zap.String("symbol", symbol),
				zap.Error(err),
			)
		}
	}

	<-ctx.Done()

	h.mu.Lock()
	subs := make([]*tomb.Tomb, 0, len(h.subs))
	for _, t := range h.subs {
		subs = append(subs, t)
	}
	h.subs = make(map[string]*tomb.Tomb)
	h.mu.Unlock()

	for _, t := range subs {
		t.Kill(nil)
		_ = t.Wait()
	}
	return ctx.Err()
}

// Subscribe starts replaying symbol. Before Run, the symbol is queued.
func (h *HistoricalTicker) Subscribe(symbol string) error {
	h.mu.Lock()
	if h.ctx == nil {
		h.pending = append(h.pending, symbol)
		h.mu.Unlock()
		return nil
	}
	if _, ok := h.subs[symbol]; ok {
		h.mu.Unlock()
		h.logger.Warn("symbol already subscribed", zap.String("symbol", symbol))
		return nil
	}

	t, tctx := tomb.WithContext(h.ctx)
	h.subs[symbol] = t
	h.seq++
	seed := h.cfg.Seed + h.seq
	h.mu.Unlock()

	t.Go(func() error {
		err := h.replay(tctx, symbol, seed)
		if err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Error("replay failed",
				zap.String("symbol", symbol),
				zap.Error(err),
			)
			return err
		}
		return nil
	})

	h.logger.Info("replay started",
		zap.String("symbol", symbol),
		zap.String("mode", h.cfg.Mode),
	)
	return nil
}

// Unsubscribe stops replaying symbol.
func (h *HistoricalTicker) Unsubscribe(symbol string) error {
	h.mu.Lock()
	t, ok := h.subs[symbol]
	delete(h.subs, symbol)
	h.mu.Unlock()

	if !ok {
		h.logger.Warn("symbol not subscribed", zap.String("symbol", symbol))
		return nil
	}

	t.Kill(nil)
	if err := t.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	h.logger.Info("replay stopped", zap.String("symbol", symbol))
	return nil
}

func (h *HistoricalTicker) replay(ctx context.Context, symbol string, seed int64) error {
	bars, err := h.source.GetOHLCV(ctx, symbol, h.cfg.Start, h.cfg.End, h.cfg.Candle)
	if err != nil {
		return fmt.Errorf("failed to load bars for %s: %w", symbol, err)
	}

	rng := rand.New(rand.NewSource(seed))
	for _, bar := range bars {
		points := GenerateStream(rng, bar, h.cfg.Candle, h.cfg.TicksPerMinute)

		var prev time.Duration
		for _, p := range points {
			tickTime := bar.Start.Add(p.Offset)

			switch h.cfg.Mode {
			case ModeRealtime:
				if err := sleepCtx(ctx, p.Offset-prev); err != nil {
					return err
				}
			case ModeStepped:
				if err := h.clock.WaitUntil(ctx, tickTime); err != nil {
					return err
				}
			}
			prev = p.Offset

			if err := h.emit(ctx, event.Tick{
				EventTime: tickTime,
				Symbol:    symbol,
				Price:     p.Price,
			}); err != nil {
				return err
			}
		}
	}

	h.logger.Info("replay exhausted", zap.String("symbol", symbol))
	return nil
}

// emit retries briefly on backpressure rather than dropping ticks.
func (h *HistoricalTicker) emit(ctx context.Context, tick event.Tick) error {
	for {
		err := h.emitter.Emit(ctx, tick)
		if err == nil {
			return nil
		}
		if !errors.Is(err, bus.ErrBusy) {
			h.logger.Error("failed to emit tick",
				zap.String("symbol", tick.Symbol),
				zap.Error(err),
			)
			return nil
		}
		if err := sleepCtx(ctx, 10*time.Millisecond); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
