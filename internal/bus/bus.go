// Package bus is the event transport for papertrade. One Kafka topic plays
// the role of a fanout exchange: every process consumes it under its own
// durable consumer group, so each published event reaches every worker
// at least once. Named request topics plus per-caller reply topics carry
// point-to-point RPC.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"papertrade/internal/event"
)

// ErrBusy is returned by Emit when the bounded in-flight window is full.
// Callers may retry; the window drains as the broker acknowledges
// produced records.
var ErrBusy = errors.New("emit window full")

// Emitter publishes events onto the bus. Components hold this interface
// rather than the concrete Bus so tests can substitute a recorder.
type Emitter interface {
	Emit(ctx context.Context, e event.Event) error
}

// Bus wraps a Kafka producer targeting the broadcast exchange topic.
type Bus struct {
	client *kgo.Client
	logger *zap.Logger
	topic  string
	chaos  *Injector

	// inflight tokens bound the number of unacknowledged emits.
	inflight chan struct{}

	emitCount  int64
	errorCount int64
	dropCount  int64
}

// NewBus creates a bus producer. maxInflight bounds outstanding emits;
// once the window is full Emit rejects with ErrBusy instead of queueing
// without limit.
func NewBus(brokers []string, topic string, maxInflight int, logger *zap.Logger) (*Bus, error) {
	if maxInflight <= 0 {
		maxInflight = 1024
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.DisableIdempotentWrite(),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	b := &Bus{
		client:   client,
		logger:   logger,
		topic:    topic,
		inflight: make(chan struct{}, maxInflight),
	}

	logger.Info("bus initialized",
		zap.Strings("brokers", brokers),
		zap.String("topic", topic),
		zap.Int("max_inflight", maxInflight),
	)

	go b.logStats()

	return b, nil
}

// WithChaos attaches a fault injector to the emit path.
func (b *Bus) WithChaos(inj *Injector) *Bus {
	b.chaos = inj
	return b
}

// Emit serializes the event and publishes it to the exchange topic.
// Delivery is asynchronous: the call returns once the record is handed to
// the producer, and failures surface in the log and error counter. When
// the in-flight window is full Emit fails fast with ErrBusy.
func (b *Bus) Emit(ctx context.Context, e event.Event) error {
	if b.chaos != nil {
		if err := b.chaos.MaybeDelay(ctx, string(e.Type())); err != nil {
			return err
		}
		if b.chaos.MaybeDrop(string(e.Type())) {
			atomic.AddInt64(&b.dropCount, 1)
			return nil
		}
	}

	record, err := b.record(e)
	if err != nil {
		atomic.AddInt64(&b.errorCount, 1)
		return err
	}

	select {
	case b.inflight <- struct{}{}:
	default:
		atomic.AddInt64(&b.errorCount, 1)
		return fmt.Errorf("%w: %d emits outstanding", ErrBusy, cap(b.inflight))
	}

	b.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		<-b.inflight
		if err != nil {
			atomic.AddInt64(&b.errorCount, 1)
			b.logger.Error("failed to produce event",
				zap.String("event_type", string(e.Type())),
				zap.Error(err),
			)
			return
		}
		atomic.AddInt64(&b.emitCount, 1)
	})

	return nil
}

// EmitSync publishes the event and waits for the broker acknowledgment,
// for callers that must not lose the event.
func (b *Bus) EmitSync(ctx context.Context, e event.Event) error {
	record, err := b.record(e)
	if err != nil {
		atomic.AddInt64(&b.errorCount, 1)
		return err
	}

	produceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := b.client.ProduceSync(produceCtx, record)
	if result.FirstErr() != nil {
		atomic.AddInt64(&b.errorCount, 1)
		return fmt.Errorf("failed to produce %s event: %w", e.Type(), result.FirstErr())
	}

	atomic.AddInt64(&b.emitCount, 1)
	return nil
}

func (b *Bus) record(e event.Event) (*kgo.Record, error) {
	data, err := event.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return &kgo.Record{
		Topic: b.topic,
		Key:   []byte(partitionKey(e)),
		Value: data,
	}, nil
}

// partitionKey keeps per-symbol tick order and per-order lifecycle order by
// pinning related events to one partition.
func partitionKey(e event.Event) string {
	switch ev := e.(type) {
	case event.Tick:
		return ev.Symbol
	case event.RequestTick:
		return ev.Symbol
	case event.RequestStopTick:
		return ev.Symbol
	case event.PlaceOrder:
		return ev.Order.ID
	case event.CancelOrder:
		return ev.Order.ID
	case event.ModifyOrder:
		return ev.ModifiedOrder.ID
	case event.OrderModified:
		return ev.ModifiedOrder.ID
	case event.OrderStatus:
		return ev.Order.ID
	default:
		return ""
	}
}

// Stats is a snapshot of the producer counters.
type Stats struct {
	Emitted int64 `json:"emitted"`
	Errors  int64 `json:"errors"`
	Dropped int64 `json:"dropped"`
}

// Stats snapshots the emit counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Emitted: atomic.LoadInt64(&b.emitCount),
		Errors:  atomic.LoadInt64(&b.errorCount),
		Dropped: atomic.LoadInt64(&b.dropCount),
	}
}

// Close flushes outstanding produces and releases the client.
func (b *Bus) Close() {
	if b.client != nil {
		b.client.Close()
	}
}

// logStats logs producer statistics periodically.
func (b *Bus) logStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		stats := b.Stats()
		b.logger.Info("bus stats",
			zap.Int64("emitted", stats.Emitted),
			zap.Int64("errors", stats.Errors),
			zap.Int64("dropped", stats.Dropped),
		)
	}
}
