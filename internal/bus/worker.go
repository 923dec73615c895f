package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"papertrade/internal/event"
)

// Handler consumes dispatched events. Returned errors are logged with the
// event context; they never stop the dispatch loop.
type Handler interface {
	OnEvent(ctx context.Context, e event.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, e event.Event) error

// OnEvent calls the wrapped function.
func (f HandlerFunc) OnEvent(ctx context.Context, e event.Event) error {
	return f(ctx, e)
}

// runner is a background task owned by a worker and toggled by the
// start/stop control events.
type runner struct {
	name string
	fn   func(ctx context.Context) error
	tomb *tomb.Tomb
}

// Worker is the per-process consumption side of the bus: it reads the
// exchange topic under the process's durable queue (consumer group),
// validates and decodes each payload, and dispatches events to the
// handlers that subscribed to their type. The start and stop control tags
// are intercepted here and toggle the worker's registered runners instead
// of reaching business handlers.
type Worker struct {
	client *kgo.Client
	logger *zap.Logger
	queue  string

	mu            sync.Mutex
	subscriptions map[event.Type][]Handler
	runners       []*runner
	started       bool

	dispatchCount int64
	errorCount    int64
}

// NewWorker creates a worker consuming the exchange topic under the given
// durable queue name.
func NewWorker(brokers []string, queue, topic string, logger *zap.Logger) (*Worker, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(queue),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	w := newWorker(logger, queue)
	w.client = client

	logger.Info("worker initialized",
		zap.Strings("brokers", brokers),
		zap.String("queue", queue),
		zap.String("topic", topic),
	)

	return w, nil
}

func newWorker(logger *zap.Logger, queue string) *Worker {
	return &Worker{
		logger:        logger,
		queue:         queue,
		subscriptions: make(map[event.Type][]Handler),
	}
}

// Subscribe registers a handler for the given event types. Events whose
// type nobody subscribed to are dropped with a debug line.
func (w *Worker) Subscribe(h Handler, types ...event.Type) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range types {
		w.subscriptions[t] = append(w.subscriptions[t], h)
	}
}

// AddRunner registers a named background task started with the worker and
// toggled by start/stop control events. Each runner gets its own tomb so
// failures are awaited and surfaced rather than lost.
func (w *Worker) AddRunner(name string, fn func(ctx context.Context) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.runners = append(w.runners, &runner{name: name, fn: fn})
}

// Run consumes and dispatches until ctx is cancelled. Runners are started
// on entry and stopped on the way out.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("starting worker", zap.String("queue", w.queue))

	w.startRunners(ctx)
	defer w.stopRunners()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping", zap.String("queue", w.queue))
			return ctx.Err()
		default:
			fetches := w.client.PollFetches(ctx)
			if fetches.IsClientClosed() {
				return errors.New("kafka client closed")
			}

			iter := fetches.RecordIter()
			for !iter.Done() {
				record := iter.Next()
				w.handleRecord(ctx, record.Value)
				w.client.CommitRecords(ctx, record)
			}
		}
	}
}

// handleRecord decodes one wire payload and routes it. Malformed payloads
// and unknown tags are logged and dropped; the loop never dies on bad
// input.
func (w *Worker) handleRecord(ctx context.Context, value []byte) {
	e, err := event.Unmarshal(value)
	if err != nil {
		atomic.AddInt64(&w.errorCount, 1)
		w.logger.Warn("dropping undecodable payload",
			zap.String("queue", w.queue),
			zap.Error(err),
		)
		return
	}

	switch e.Type() {
	case event.TypeStart:
		w.logger.Info("received start event", zap.String("queue", w.queue))
		w.startRunners(ctx)
		return
	case event.TypeStop:
		w.logger.Info("received stop event", zap.String("queue", w.queue))
		w.stopRunners()
		return
	}

	w.mu.Lock()
	handlers := w.subscriptions[e.Type()]
	w.mu.Unlock()

	if len(handlers) == 0 {
		w.logger.Debug("no subscriber for event type",
			zap.String("queue", w.queue),
			zap.String("event_type", string(e.Type())),
		)
		return
	}

	for _, h := range handlers {
		if err := h.OnEvent(ctx, e); err != nil {
			atomic.AddInt64(&w.errorCount, 1)
			w.logger.Error("event handler failed",
				zap.String("queue", w.queue),
				zap.String("event_type", string(e.Type())),
				zap.Error(err),
			)
			continue
		}
		atomic.AddInt64(&w.dispatchCount, 1)
	}
}

func (w *Worker) startRunners(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		w.logger.Warn("runners already started", zap.String("queue", w.queue))
		return
	}

	for _, r := range w.runners {
		r := r
		t, tctx := tomb.WithContext(ctx)
		r.tomb = t
		t.Go(func() error {
			err := r.fn(tctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("runner exited with error",
					zap.String("runner", r.name),
					zap.Error(err),
				)
				return err
			}
			w.logger.Info("runner exited", zap.String("runner", r.name))
			return nil
		})
	}
	w.started = true
}

func (w *Worker) stopRunners() {
	w.mu.Lock()
	runners := w.runners
	if !w.started {
		w.mu.Unlock()
		w.logger.Warn("runners already stopped", zap.String("queue", w.queue))
		return
	}
	w.started = false
	w.mu.Unlock()

	for _, r := range runners {
		if r.tomb == nil {
			continue
		}
		r.tomb.Kill(nil)
	}
	// Bounded wait so a wedged runner cannot hang shutdown forever.
	for _, r := range runners {
		if r.tomb == nil {
			continue
		}
		select {
		case <-r.tomb.Dead():
			if err := r.tomb.Err(); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("runner failed", zap.String("runner", r.name), zap.Error(err))
			}
		case <-time.After(5 * time.Second):
			w.logger.Warn("runner did not stop in time", zap.String("runner", r.name))
		}
		r.tomb = nil
	}
}

// Close releases the Kafka client.
func (w *Worker) Close() {
	if w.client != nil {
		w.client.Close()
	}
}
