package journal

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"papertrade/internal/bus"
	"papertrade/internal/event"
)

// Publisher drains the outbox onto the bus. Publish failures leave the
// event unpublished so the next tick retries it; the dedup key on the
// consuming side makes republishing safe.
type Publisher struct {
	store     *Store
	emitter   bus.Emitter
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

// NewPublisher creates an outbox publisher draining store onto emitter.
func NewPublisher(store *Store, emitter bus.Emitter, logger *zap.Logger) *Publisher {
	return &Publisher{
		store:     store,
		emitter:   emitter,
		logger:    logger,
		interval:  250 * time.Millisecond,
		batchSize: 100,
	}
}

// Run drains until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.publishBatch(ctx); err != nil {
				p.logger.Error("failed to publish batch", zap.Error(err))
			}
		}
	}
}

func (p *Publisher) publishBatch(ctx context.Context) error {
	events, err := p.store.ListUnpublished(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list unpublished events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	published := 0

	for _, oe := range events {
		e, err := event.Unmarshal([]byte(oe.PayloadJSON))
		if err != nil {
			p.logger.Error("failed to decode outbox payload",
				zap.String("event_id", oe.EventID),
				zap.Error(err),
			)
			continue
		}

		if err := p.emitter.Emit(ctx, e); err != nil {
			p.logger.Error("failed to emit outbox event",
				zap.String("event_id", oe.EventID),
				zap.String("order_id", oe.OrderID),
				zap.Error(err),
			)
			continue
		}

		if err := p.store.MarkPublished(ctx, oe.EventID, now); err != nil {
			p.logger.Error("failed to mark event as published",
				zap.String("event_id", oe.EventID),
				zap.Error(err),
			)
			continue
		}

		published++
	}

	if published > 0 {
		p.logger.Info("published outbox batch",
			zap.Int("published", published),
			zap.Int("total", len(events)),
		)
	}

	return nil
}
