package journal

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"papertrade/internal/event"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testOrder(t *testing.T) event.Order {
	t.Helper()
	o, err := event.NewMarketOrder("AAPL", 10, event.DirectionBuy)
	require.NoError(t, err)
	return o
}

func TestRecordTransitionEnqueuesStatusEvent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	order := testOrder(t)

	dup, err := store.RecordTransition(ctx, order, event.StatusTraded, 187.5)
	require.NoError(t, err)
	assert.False(t, dup)

	events, err := store.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, order.ID, events[0].OrderID)

	decoded, err := event.Unmarshal([]byte(events[0].PayloadJSON))
	require.NoError(t, err)
	status, ok := decoded.(event.OrderStatus)
	require.True(t, ok)
	assert.Equal(t, order.ID, status.Order.ID)
	assert.Equal(t, event.StatusTraded, status.Status)
	assert.Equal(t, 187.5, status.Price)
}

func TestRecordTransitionDuplicateIsNoop(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	order := testOrder(t)

	dup, err := store.RecordTransition(ctx, order, event.StatusCancelled, 0)
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = store.RecordTransition(ctx, order, event.StatusCancelled, 0)
	require.NoError(t, err)
	assert.True(t, dup)

	events, err := store.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMarkPublishedRemovesFromBacklog(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.RecordTransition(ctx, testOrder(t), event.StatusTraded, 100)
	require.NoError(t, err)

	events, err := store.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.NoError(t, store.MarkPublished(ctx, events[0].EventID, time.Now().UnixMilli()))

	events, err = store.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (f *fakeEmitter) Emit(_ context.Context, e event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeEmitter) seen() []event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]event.Event, len(f.events))
	copy(out, f.events)
	return out
}

func TestPublisherDrainsOutbox(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	orderA := testOrder(t)
	orderB := testOrder(t)
	_, err := store.RecordTransition(ctx, orderA, event.StatusTraded, 100)
	require.NoError(t, err)
	_, err = store.RecordTransition(ctx, orderB, event.StatusCancelled, 0)
	require.NoError(t, err)

	emitter := &fakeEmitter{}
	pub := NewPublisher(store, emitter, zap.NewNop())

	require.NoError(t, pub.publishBatch(ctx))

	seen := emitter.seen()
	require.Len(t, seen, 2)
	first, ok := seen[0].(event.OrderStatus)
	require.True(t, ok)
	assert.Equal(t, orderA.ID, first.Order.ID)

	remaining, err := store.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestPublisherRetriesFailedEmits(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.RecordTransition(ctx, testOrder(t), event.StatusTraded, 100)
	require.NoError(t, err)

	emitter := &fakeEmitter{err: errors.New("broker unreachable")}
	pub := NewPublisher(store, emitter, zap.NewNop())

	require.NoError(t, pub.publishBatch(ctx))

	remaining, err := store.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)

	emitter.mu.Lock()
	emitter.err = nil
	emitter.mu.Unlock()

	require.NoError(t, pub.publishBatch(ctx))
	assert.Len(t, emitter.seen(), 1)

	remaining, err = store.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
