package broker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"papertrade/internal/event"
	"papertrade/internal/journal"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *captureEmitter) Emit(_ context.Context, e event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureEmitter) byType(t event.Type) []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event.Event
	for _, e := range c.events {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestBroker() (*Broker, *captureEmitter) {
	emitter := &captureEmitter{}
	return New(emitter, nil, zap.NewNop()), emitter
}

func marketBuy(t *testing.T, symbol string, qty int64) event.Order {
	t.Helper()
	o, err := event.NewMarketOrder(symbol, qty, event.DirectionBuy)
	require.NoError(t, err)
	return o
}

func tick(symbol string, price float64) event.Tick {
	return event.Tick{EventTime: event.Now(), Symbol: symbol, Price: price}
}

func TestMarketOrderFillsOnFirstTick(t *testing.T) {
	b, emitter := newTestBroker()
	ctx := context.Background()

	order := marketBuy(t, "AAPL", 10)
	require.NoError(t, b.PlaceOrder(ctx, order))

	// First open order on the symbol requests its tick stream.
	reqs := emitter.byType(event.TypeRequestTick)
	require.Len(t, reqs, 1)
	assert.Equal(t, "AAPL", reqs[0].(event.RequestTick).Symbol)

	_, status, err := b.Order(order.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusNotTraded, status)

	require.NoError(t, b.HandleTick(ctx, tick("AAPL", 187.5)))

	_, status, err = b.Order(order.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusTraded, status)

	statuses := emitter.byType(event.TypeOrderStatus)
	require.Len(t, statuses, 1)
	fill := statuses[0].(event.OrderStatus)
	assert.Equal(t, order.ID, fill.Order.ID)
	assert.Equal(t, event.StatusTraded, fill.Status)
	assert.Equal(t, 187.5, fill.Price)

	// Last open order gone: the stream is released.
	stops := emitter.byType(event.TypeRequestStopTick)
	require.Len(t, stops, 1)
	assert.Equal(t, "AAPL", stops[0].(event.RequestStopTick).Symbol)
}

func TestLimitOrderTradeability(t *testing.T) {
	b, emitter := newTestBroker()
	ctx := context.Background()

	buy, err := event.NewLimitOrder("AAPL", 10, event.DirectionBuy, 100)
	require.NoError(t, err)
	require.NoError(t, b.PlaceOrder(ctx, buy))

	// Above the limit: no fill.
	require.NoError(t, b.HandleTick(ctx, tick("AAPL", 100.01)))
	_, status, err := b.Order(buy.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusNotTraded, status)
	assert.Empty(t, emitter.byType(event.TypeOrderStatus))

	// Below the limit: fills.
	require.NoError(t, b.HandleTick(ctx, tick("AAPL", 99.99)))
	_, status, err = b.Order(buy.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusTraded, status)

	// Sell side mirrors.
	sell, err := event.NewLimitOrder("MSFT", 5, event.DirectionSell, 400)
	require.NoError(t, err)
	require.NoError(t, b.PlaceOrder(ctx, sell))

	require.NoError(t, b.HandleTick(ctx, tick("MSFT", 399.99)))
	_, status, err = b.Order(sell.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusNotTraded, status)

	require.NoError(t, b.HandleTick(ctx, tick("MSFT", 400)))
	_, status, err = b.Order(sell.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusTraded, status)
}

func TestLimitOrderNeverFillsStaysOpen(t *testing.T) {
	b, _ := newTestBroker()
	ctx := context.Background()

	order, err := event.NewLimitOrder("AAPL", 10, event.DirectionBuy, 50)
	require.NoError(t, err)
	require.NoError(t, b.PlaceOrder(ctx, order))

	for price := 100.0; price < 110; price++ {
		require.NoError(t, b.HandleTick(ctx, tick("AAPL", price)))
	}

	_, status, err := b.Order(order.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusNotTraded, status)
	assert.Equal(t, map[string]int{"AAPL": 1}, b.OpenOrders())
}

func TestCancelOrder(t *testing.T) {
	b, emitter := newTestBroker()
	ctx := context.Background()

	order := marketBuy(t, "AAPL", 10)
	require.NoError(t, b.PlaceOrder(ctx, order))
	require.NoError(t, b.CancelOrder(ctx, order.ID))

	_, status, err := b.Order(order.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusCancelled, status)

	statuses := emitter.byType(event.TypeOrderStatus)
	require.Len(t, statuses, 1)
	assert.Equal(t, event.StatusCancelled, statuses[0].(event.OrderStatus).Status)
	assert.Len(t, emitter.byType(event.TypeRequestStopTick), 1)

	// Terminal states reject further transitions.
	assert.ErrorIs(t, b.CancelOrder(ctx, order.ID), ErrOrderFinal)
	assert.ErrorIs(t, b.CancelOrder(ctx, "no-such-order"), ErrOrderNotFound)

	// A cancelled order ignores ticks.
	require.NoError(t, b.HandleTick(ctx, tick("AAPL", 100)))
	_, status, err = b.Order(order.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusCancelled, status)
}

func TestSubscriptionCountersAcrossOrders(t *testing.T) {
	b, emitter := newTestBroker()
	ctx := context.Background()

	first := marketBuy(t, "AAPL", 1)
	second, err := event.NewLimitOrder("AAPL", 2, event.DirectionBuy, 50)
	require.NoError(t, err)

	require.NoError(t, b.PlaceOrder(ctx, first))
	require.NoError(t, b.PlaceOrder(ctx, second))

	// Only the first placement requests the stream.
	assert.Len(t, emitter.byType(event.TypeRequestTick), 1)

	// Cancelling one of two leaves the stream alive.
	require.NoError(t, b.CancelOrder(ctx, first.ID))
	assert.Empty(t, emitter.byType(event.TypeRequestStopTick))
	assert.Equal(t, map[string]int{"AAPL": 1}, b.OpenOrders())

	// Cancelling the last releases it.
	require.NoError(t, b.CancelOrder(ctx, second.ID))
	assert.Len(t, emitter.byType(event.TypeRequestStopTick), 1)
	assert.Empty(t, b.OpenOrders())
}

func TestPlaceOrderRejectsUnsupportedTypes(t *testing.T) {
	b, emitter := newTestBroker()
	ctx := context.Background()

	oco, err := event.NewOCOOrder("AAPL", 10, event.DirectionBuy, 100, 90)
	require.NoError(t, err)
	assert.ErrorIs(t, b.PlaceOrder(ctx, oco), ErrUnsupportedOrderType)

	stop := oco
	stop.OrderType = event.OrderStop
	assert.ErrorIs(t, b.PlaceOrder(ctx, stop), ErrUnsupportedOrderType)

	// Nothing booked, nothing requested.
	assert.Empty(t, emitter.byType(event.TypeRequestTick))
	assert.Empty(t, b.OpenOrders())
}

func TestPlaceOrderRejectsDuplicatesAndInvalid(t *testing.T) {
	b, _ := newTestBroker()
	ctx := context.Background()

	order := marketBuy(t, "AAPL", 10)
	require.NoError(t, b.PlaceOrder(ctx, order))
	assert.ErrorIs(t, b.PlaceOrder(ctx, order), ErrDuplicateOrder)

	bad := order
	bad.Quantity = 0
	assert.Error(t, b.PlaceOrder(ctx, bad))
}

func TestModifyOrder(t *testing.T) {
	b, emitter := newTestBroker()
	ctx := context.Background()

	order, err := event.NewLimitOrder("AAPL", 10, event.DirectionBuy, 100)
	require.NoError(t, err)
	require.NoError(t, b.PlaceOrder(ctx, order))

	modified := order
	modified.LimitPrice = 105
	modified.Quantity = 20
	require.NoError(t, b.ModifyOrder(ctx, modified))

	got, status, err := b.Order(order.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusNotTraded, status)
	assert.Equal(t, 105.0, got.LimitPrice)
	assert.Equal(t, int64(20), got.Quantity)

	confirms := emitter.byType(event.TypeOrderModified)
	require.Len(t, confirms, 1)
	assert.Equal(t, order.ID, confirms[0].(event.OrderModified).ModifiedOrder.ID)

	// Symbol changes are rejected.
	moved := modified
	moved.Symbol = "MSFT"
	assert.ErrorIs(t, b.ModifyOrder(ctx, moved), ErrSymbolMismatch)

	// Unknown and terminal orders are rejected.
	ghost := modified
	ghost.ID = "no-such-order"
	assert.ErrorIs(t, b.ModifyOrder(ctx, ghost), ErrOrderNotFound)

	require.NoError(t, b.HandleTick(ctx, tick("AAPL", 99)))
	assert.ErrorIs(t, b.ModifyOrder(ctx, modified), ErrOrderFinal)
}

func TestFillsFollowPlacementOrder(t *testing.T) {
	b, emitter := newTestBroker()
	ctx := context.Background()

	first := marketBuy(t, "AAPL", 1)
	second := marketBuy(t, "AAPL", 2)
	require.NoError(t, b.PlaceOrder(ctx, first))
	require.NoError(t, b.PlaceOrder(ctx, second))

	require.NoError(t, b.HandleTick(ctx, tick("AAPL", 150)))

	statuses := emitter.byType(event.TypeOrderStatus)
	require.Len(t, statuses, 2)
	assert.Equal(t, first.ID, statuses[0].(event.OrderStatus).Order.ID)
	assert.Equal(t, second.ID, statuses[1].(event.OrderStatus).Order.ID)

	// Both filled at once: one stream release.
	assert.Len(t, emitter.byType(event.TypeRequestStopTick), 1)
}

func TestTicksForOtherSymbolsAreIgnored(t *testing.T) {
	b, emitter := newTestBroker()
	ctx := context.Background()

	order := marketBuy(t, "AAPL", 10)
	require.NoError(t, b.PlaceOrder(ctx, order))

	require.NoError(t, b.HandleTick(ctx, tick("MSFT", 400)))

	_, status, err := b.Order(order.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusNotTraded, status)
	assert.Empty(t, emitter.byType(event.TypeOrderStatus))
}

func TestOnEventDispatch(t *testing.T) {
	b, emitter := newTestBroker()
	ctx := context.Background()

	order := marketBuy(t, "AAPL", 10)
	require.NoError(t, b.OnEvent(ctx, event.PlaceOrder{EventTime: event.Now(), Order: order}))
	require.NoError(t, b.OnEvent(ctx, tick("AAPL", 150)))

	statuses := emitter.byType(event.TypeOrderStatus)
	require.Len(t, statuses, 1)
	assert.Equal(t, event.StatusTraded, statuses[0].(event.OrderStatus).Status)

	// Unrelated events pass through untouched.
	require.NoError(t, b.OnEvent(ctx, event.SimStart{EventTime: event.Now()}))
}

func TestAnnouncementsGoThroughJournal(t *testing.T) {
	store, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer store.Close()

	emitter := &captureEmitter{}
	b := New(emitter, store, zap.NewNop())
	ctx := context.Background()

	order := marketBuy(t, "AAPL", 10)
	require.NoError(t, b.PlaceOrder(ctx, order))
	require.NoError(t, b.HandleTick(ctx, tick("AAPL", 187.5)))

	// The status event rides the outbox, not the direct emit path.
	assert.Empty(t, emitter.byType(event.TypeOrderStatus))

	pendingEvents, err := store.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pendingEvents, 1)
	assert.Equal(t, order.ID, pendingEvents[0].OrderID)
}

// flakyEmitter fails tick stream requests until allowed.
type flakyEmitter struct {
	captureEmitter
	allow bool
}

func (f *flakyEmitter) Emit(ctx context.Context, e event.Event) error {
	if _, ok := e.(event.RequestTick); ok && !f.allow {
		return errors.New("produce failed")
	}
	return f.captureEmitter.Emit(ctx, e)
}

func TestPlaceOrderUnwindsWhenStreamRequestFails(t *testing.T) {
	emitter := &flakyEmitter{}
	b := New(emitter, nil, zap.NewNop())
	ctx := context.Background()

	order := marketBuy(t, "AAPL", 10)
	require.Error(t, b.PlaceOrder(ctx, order))

	// The booking is rolled back, so the order cannot rest unfillable.
	_, _, err := b.Order(order.ID)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.Empty(t, b.OpenOrders())

	// A retried placement starts clean once the bus recovers.
	emitter.allow = true
	require.NoError(t, b.PlaceOrder(ctx, order))
	require.Len(t, emitter.byType(event.TypeRequestTick), 1)

	require.NoError(t, b.HandleTick(ctx, tick("AAPL", 187.5)))
	_, status, err := b.Order(order.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusTraded, status)
}
