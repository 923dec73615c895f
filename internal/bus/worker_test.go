package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"papertrade/internal/event"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (h *recordingHandler) OnEvent(_ context.Context, e event.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	return h.err
}

func (h *recordingHandler) seen() []event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]event.Event, len(h.events))
	copy(out, h.events)
	return out
}

func mustMarshal(t *testing.T, e event.Event) []byte {
	t.Helper()
	data, err := event.Marshal(e)
	require.NoError(t, err)
	return data
}

func TestWorkerDispatchesToSubscribers(t *testing.T) {
	w := newWorker(zap.NewNop(), "papertrade.test")

	ticks := &recordingHandler{}
	orders := &recordingHandler{}
	w.Subscribe(ticks, event.TypeTick)
	w.Subscribe(orders, event.TypePlaceOrder, event.TypeCancelOrder)

	tick := event.Tick{EventTime: event.Now(), Symbol: "AAPL", Price: 187.5}
	w.handleRecord(context.Background(), mustMarshal(t, tick))

	order, err := event.NewMarketOrder("AAPL", 10, event.DirectionBuy)
	require.NoError(t, err)
	w.handleRecord(context.Background(), mustMarshal(t, event.PlaceOrder{EventTime: event.Now(), Order: order}))

	require.Len(t, ticks.seen(), 1)
	got, ok := ticks.seen()[0].(event.Tick)
	require.True(t, ok)
	assert.Equal(t, "AAPL", got.Symbol)
	assert.Equal(t, 187.5, got.Price)

	require.Len(t, orders.seen(), 1)
	assert.Equal(t, event.TypePlaceOrder, orders.seen()[0].Type())
}

func TestWorkerDropsUnsubscribedAndMalformed(t *testing.T) {
	w := newWorker(zap.NewNop(), "papertrade.test")

	h := &recordingHandler{}
	w.Subscribe(h, event.TypeTick)

	w.handleRecord(context.Background(), mustMarshal(t, event.SimStart{EventTime: event.Now()}))
	w.handleRecord(context.Background(), []byte(`{"event_type":"no_such_event"}`))
	w.handleRecord(context.Background(), []byte(`not json`))

	assert.Empty(t, h.seen())
	assert.Equal(t, int64(2), atomic.LoadInt64(&w.errorCount))
}

func TestWorkerHandlerErrorDoesNotStopDispatch(t *testing.T) {
	w := newWorker(zap.NewNop(), "papertrade.test")

	failing := &recordingHandler{err: assert.AnError}
	healthy := &recordingHandler{}
	w.Subscribe(failing, event.TypeTick)
	w.Subscribe(healthy, event.TypeTick)

	tick := event.Tick{EventTime: event.Now(), Symbol: "MSFT", Price: 410.0}
	w.handleRecord(context.Background(), mustMarshal(t, tick))

	require.Len(t, failing.seen(), 1)
	require.Len(t, healthy.seen(), 1)
	assert.Equal(t, int64(1), atomic.LoadInt64(&w.errorCount))
}

func TestWorkerStartStopTogglesRunners(t *testing.T) {
	w := newWorker(zap.NewNop(), "papertrade.test")

	var running int32
	w.AddRunner("probe", func(ctx context.Context) error {
		atomic.StoreInt32(&running, 1)
		<-ctx.Done()
		atomic.StoreInt32(&running, 0)
		return ctx.Err()
	})

	ctx := context.Background()
	w.handleRecord(ctx, mustMarshal(t, event.Start{EventTime: event.Now()}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&running) == 1
	}, time.Second, 5*time.Millisecond)

	w.handleRecord(ctx, mustMarshal(t, event.Stop{EventTime: event.Now()}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&running) == 0
	}, time.Second, 5*time.Millisecond)

	// Control events never reach business handlers.
	h := &recordingHandler{}
	w.Subscribe(h, event.TypeStart, event.TypeStop)
	w.handleRecord(ctx, mustMarshal(t, event.Start{EventTime: event.Now()}))
	w.handleRecord(ctx, mustMarshal(t, event.Stop{EventTime: event.Now()}))
	assert.Empty(t, h.seen())
}

func TestWorkerDoubleStartIsIdempotent(t *testing.T) {
	w := newWorker(zap.NewNop(), "papertrade.test")

	var starts int32
	w.AddRunner("probe", func(ctx context.Context) error {
		atomic.AddInt32(&starts, 1)
		<-ctx.Done()
		return ctx.Err()
	})

	ctx := context.Background()
	w.startRunners(ctx)
	w.startRunners(ctx)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&starts) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&starts))

	w.stopRunners()
}
