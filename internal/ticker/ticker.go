// Package ticker produces price tick events from live feeds, historical
// bars or synthetic noise. All variants share one contract: they emit
// ticks only for symbols with an active subscription, and subscriptions
// are driven by request_tick / request_stop_tick events on the bus.
package ticker

import (
	"context"

	"go.uber.org/zap"

	"papertrade/internal/event"
)

// Ticker is a tick source with per-symbol subscriptions.
type Ticker interface {
	// Run drives the source until ctx is cancelled.
	Run(ctx context.Context) error
	// Subscribe starts emitting ticks for symbol. Subscribing an
	// already-subscribed symbol is a logged no-op.
	Subscribe(symbol string) error
	// Unsubscribe stops emitting ticks for symbol.
	Unsubscribe(symbol string) error
}

// BusHandler routes subscription requests from the bus into a Ticker.
type BusHandler struct {
	ticker Ticker
	logger *zap.Logger
}

// NewBusHandler wraps a ticker for bus dispatch.
func NewBusHandler(t Ticker, logger *zap.Logger) *BusHandler {
	return &BusHandler{ticker: t, logger: logger}
}

// OnEvent handles request_tick and request_stop_tick.
func (h *BusHandler) OnEvent(_ context.Context, e event.Event) error {
	switch req := e.(type) {
	case event.RequestTick:
		h.logger.Info("tick requested", zap.String("symbol", req.Symbol))
		return h.ticker.Subscribe(req.Symbol)
	case event.RequestStopTick:
		h.logger.Info("tick stop requested", zap.String("symbol", req.Symbol))
		return h.ticker.Unsubscribe(req.Symbol)
	}
	return nil
}
