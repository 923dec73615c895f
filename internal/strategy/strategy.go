// Package strategy turns ticks into orders. The runner is deliberately
// thin: deciders are pure functions from a tick to zero or more orders,
// and everything stateful (fills, cash, positions) lives elsewhere.
package strategy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"papertrade/internal/bus"
	"papertrade/internal/event"
)

// Decider maps one tick to the orders it warrants. A nil or empty return
// means no action.
type Decider func(tick event.Tick) ([]event.Order, error)

// Runner feeds ticks to a decider and places the resulting orders on the
// bus.
type Runner struct {
	decide  Decider
	emitter bus.Emitter
	logger  *zap.Logger
}

// NewRunner creates a runner.
func NewRunner(decide Decider, emitter bus.Emitter, logger *zap.Logger) *Runner {
	return &Runner{decide: decide, emitter: emitter, logger: logger}
}

// OnEvent runs the decider on each tick.
func (r *Runner) OnEvent(ctx context.Context, e event.Event) error {
	tick, ok := e.(event.Tick)
	if !ok {
		return nil
	}

	orders, err := r.decide(tick)
	if err != nil {
		return fmt.Errorf("decider failed on %s tick: %w", tick.Symbol, err)
	}

	for _, o := range orders {
		if err := o.Validate(); err != nil {
			r.logger.Error("decider produced invalid order",
				zap.String("symbol", tick.Symbol),
				zap.Error(err),
			)
			continue
		}
		if err := r.emitter.Emit(ctx, event.PlaceOrder{EventTime: event.Now(), Order: o}); err != nil {
			return fmt.Errorf("failed to place order %s: %w", o.ID, err)
		}
		r.logger.Info("order placed by strategy",
			zap.String("order_id", o.ID),
			zap.String("symbol", o.Symbol),
			zap.String("direction", string(o.Direction)),
			zap.Int64("quantity", o.Quantity),
		)
	}
	return nil
}

// AlwaysBuy buys a fixed quantity on every tick. A wiring check, not a
// trading idea.
func AlwaysBuy(quantity int64) Decider {
	return func(tick event.Tick) ([]event.Order, error) {
		o, err := event.NewMarketOrder(tick.Symbol, quantity, event.DirectionBuy)
		if err != nil {
			return nil, err
		}
		return []event.Order{o}, nil
	}
}
