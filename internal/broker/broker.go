// Package broker simulates order execution against the tick stream. It
// owns the order book, drives the not_traded -> traded/cancelled state
// machine, and manages tick subscriptions so the tickers only stream
// symbols with open orders.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"papertrade/internal/bus"
	"papertrade/internal/event"
	"papertrade/internal/journal"
)

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrOrderFinal           = errors.New("order already in a final state")
	ErrDuplicateOrder       = errors.New("order id already in book")
	ErrSymbolMismatch       = errors.New("modification cannot change symbol")
	ErrUnsupportedOrderType = errors.New("order type not supported")
)

// entry is one booked order with its lifecycle state.
type entry struct {
	order  event.Order
	status event.Status
}

// Broker executes orders against incoming ticks. The first open order on
// a symbol requests its tick stream; closing the last one releases it.
type Broker struct {
	emitter bus.Emitter
	journal *journal.Store
	logger  *zap.Logger

	mu           sync.Mutex
	book         map[string]*entry
	sequence     []string
	openBySymbol map[string]int
}

// New creates a broker. journal may be nil; without it status events are
// emitted directly instead of through the outbox.
func New(emitter bus.Emitter, j *journal.Store, logger *zap.Logger) *Broker {
	return &Broker{
		emitter:      emitter,
		journal:      j,
		logger:       logger,
		book:         make(map[string]*entry),
		openBySymbol: make(map[string]int),
	}
}

// OnEvent dispatches bus events into the book.
func (b *Broker) OnEvent(ctx context.Context, e event.Event) error {
	switch ev := e.(type) {
	case event.PlaceOrder:
		return b.PlaceOrder(ctx, ev.Order)
	case event.CancelOrder:
		return b.CancelOrder(ctx, ev.Order.ID)
	case event.ModifyOrder:
		return b.ModifyOrder(ctx, ev.ModifiedOrder)
	case event.Tick:
		return b.HandleTick(ctx, ev)
	}
	return nil
}

// PlaceOrder books a new order. Booking the first open order on a symbol
// requests its tick stream. Stop and OCO orders are rejected here, before
// they can rest in the book unservable.
func (b *Broker) PlaceOrder(ctx context.Context, o event.Order) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("invalid order: %w", err)
	}
	if o.OrderType == event.OrderStop || o.OrderType == event.OrderOCO {
		b.logger.Error("rejecting unsupported order type",
			zap.String("order_id", o.ID),
			zap.String("order_type", string(o.OrderType)),
		)
		return fmt.Errorf("%w: %s", ErrUnsupportedOrderType, o.OrderType)
	}

	b.mu.Lock()
	if _, ok := b.book[o.ID]; ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	b.book[o.ID] = &entry{order: o, status: event.StatusNotTraded}
	b.sequence = append(b.sequence, o.ID)
	b.openBySymbol[o.Symbol]++
	first := b.openBySymbol[o.Symbol] == 1
	b.mu.Unlock()

	b.logger.Info("order placed",
		zap.String("order_id", o.ID),
		zap.String("symbol", o.Symbol),
		zap.String("order_type", string(o.OrderType)),
		zap.String("direction", string(o.Direction)),
		zap.Int64("quantity", o.Quantity),
	)

	if first {
		if err := b.emitter.Emit(ctx, event.RequestTick{EventTime: event.Now(), Symbol: o.Symbol}); err != nil {
			// Without a tick stream the order could never fill. Unwind
			// the booking so a retried placement starts clean.
			b.mu.Lock()
			delete(b.book, o.ID)
			for i, id := range b.sequence {
				if id == o.ID {
					b.sequence = append(b.sequence[:i], b.sequence[i+1:]...)
					break
				}
			}
			b.releaseSymbolLocked(o.Symbol)
			b.mu.Unlock()

			b.logger.Error("order unwound, tick stream request failed",
				zap.String("order_id", o.ID),
				zap.String("symbol", o.Symbol),
				zap.Error(err),
			)
			return fmt.Errorf("failed to request tick stream for %s: %w", o.Symbol, err)
		}
	}
	return nil
}

// CancelOrder moves an open order to cancelled. Cancelling the last open
// order on a symbol releases its tick stream.
func (b *Broker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	en, ok := b.book[orderID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if en.status.Final() {
		status := en.status
		b.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrOrderFinal, orderID, status)
	}
	en.status = event.StatusCancelled
	order := en.order
	last := b.releaseSymbolLocked(order.Symbol)
	b.mu.Unlock()

	b.logger.Info("order cancelled",
		zap.String("order_id", orderID),
		zap.String("symbol", order.Symbol),
	)

	if err := b.announce(ctx, order, event.StatusCancelled, 0); err != nil {
		return err
	}
	if last {
		return b.emitter.Emit(ctx, event.RequestStopTick{EventTime: event.Now(), Symbol: order.Symbol})
	}
	return nil
}

// ModifyOrder replaces an open order in place under the same id. The
// symbol cannot change, since subscription counts are keyed by it.
func (b *Broker) ModifyOrder(ctx context.Context, modified event.Order) error {
	if err := modified.Validate(); err != nil {
		return fmt.Errorf("invalid modification: %w", err)
	}
	if modified.OrderType == event.OrderStop || modified.OrderType == event.OrderOCO {
		return fmt.Errorf("%w: %s", ErrUnsupportedOrderType, modified.OrderType)
	}

	b.mu.Lock()
	en, ok := b.book[modified.ID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrOrderNotFound, modified.ID)
	}
	if en.status.Final() {
		status := en.status
		b.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrOrderFinal, modified.ID, status)
	}
	if en.order.Symbol != modified.Symbol {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrSymbolMismatch, en.order.Symbol, modified.Symbol)
	}
	en.order = modified
	b.mu.Unlock()

	b.logger.Info("order modified",
		zap.String("order_id", modified.ID),
		zap.String("symbol", modified.Symbol),
	)
	return b.emitter.Emit(ctx, event.OrderModified{EventTime: event.Now(), ModifiedOrder: modified})
}

// HandleTick fills every open order on the tick's symbol that is tradeable
// at the tick price, in placement order.
func (b *Broker) HandleTick(ctx context.Context, tick event.Tick) error {
	b.mu.Lock()
	var fills []event.Order
	var lastFill bool
	for _, id := range b.sequence {
		en := b.book[id]
		if en.status.Final() || en.order.Symbol != tick.Symbol {
			continue
		}

		ok, err := tradeable(en.order, tick.Price)
		if err != nil {
			b.logger.Error("cannot price order",
				zap.String("order_id", id),
				zap.String("order_type", string(en.order.OrderType)),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			continue
		}

		en.status = event.StatusTraded
		fills = append(fills, en.order)
		if b.releaseSymbolLocked(tick.Symbol) {
			lastFill = true
		}
	}
	b.mu.Unlock()

	for _, order := range fills {
		b.logger.Info("order traded",
			zap.String("order_id", order.ID),
			zap.String("symbol", order.Symbol),
			zap.Float64("price", tick.Price),
		)
		if err := b.announce(ctx, order, event.StatusTraded, tick.Price); err != nil {
			return err
		}
	}
	if lastFill {
		return b.emitter.Emit(ctx, event.RequestStopTick{EventTime: event.Now(), Symbol: tick.Symbol})
	}
	return nil
}

// Order returns a booked order and its status.
func (b *Broker) Order(orderID string) (event.Order, event.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	en, ok := b.book[orderID]
	if !ok {
		return event.Order{}, "", fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return en.order, en.status, nil
}

// OpenOrders returns the count of non-final orders per symbol.
func (b *Broker) OpenOrders() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.openBySymbol))
	for symbol, n := range b.openBySymbol {
		if n > 0 {
			out[symbol] = n
		}
	}
	return out
}

// releaseSymbolLocked decrements the symbol's open-order count and
// reports whether it reached zero. Callers hold b.mu.
func (b *Broker) releaseSymbolLocked(symbol string) bool {
	b.openBySymbol[symbol]--
	if b.openBySymbol[symbol] < 0 {
		// Counter underflow means the book and counters disagree.
		b.logger.Error("open order counter underflow", zap.String("symbol", symbol))
		b.openBySymbol[symbol] = 0
		return false
	}
	return b.openBySymbol[symbol] == 0
}

// announce journals the transition when a journal is attached, falling
// back to a direct emit otherwise. The journal path defers publication to
// the outbox drain.
func (b *Broker) announce(ctx context.Context, o event.Order, status event.Status, price float64) error {
	if b.journal != nil {
		dup, err := b.journal.RecordTransition(ctx, o, status, price)
		if err != nil {
			return fmt.Errorf("failed to journal transition: %w", err)
		}
		if dup {
			b.logger.Warn("transition already journaled",
				zap.String("order_id", o.ID),
				zap.String("status", string(status)),
			)
		}
		return nil
	}
	return b.emitter.Emit(ctx, event.OrderStatus{
		EventTime: event.Now(),
		Order:     o,
		Status:    status,
		Price:     price,
	})
}

// tradeable reports whether an order executes at price. Market orders
// always do; limit orders need the price to cross their limit. Anything
// else cannot be priced here and must surface loudly, not fill silently.
func tradeable(o event.Order, price float64) (bool, error) {
	switch o.OrderType {
	case event.OrderMarket:
		return true, nil
	case event.OrderLimit:
		if o.Direction == event.DirectionBuy {
			return price <= o.LimitPrice, nil
		}
		return price >= o.LimitPrice, nil
	default:
		return false, fmt.Errorf("%w: %s", ErrUnsupportedOrderType, o.OrderType)
	}
}
