package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// defaultCallTimeout bounds a Call when the caller's context carries no
// deadline, so a dead server cannot block a caller forever.
const defaultCallTimeout = 10 * time.Second

// Request is the wire form of an RPC request published to a named server
// queue.
type Request struct {
	CorrelationID string            `json:"correlation_id"`
	ReplyTo       string            `json:"reply_to"`
	Route         string            `json:"route"`
	Params        map[string]string `json:"params,omitempty"`
}

// Response is the wire form of an RPC reply. Errors cross the bus as coded
// responses, never as crashes.
type Response struct {
	CorrelationID string         `json:"correlation_id"`
	Code          int            `json:"code"`
	Status        string         `json:"status"`
	Message       string         `json:"message,omitempty"`
	Body          map[string]any `json:"body,omitempty"`
}

// OK builds a success response.
func OK(message string, body map[string]any) Response {
	return Response{Code: 200, Status: "success", Message: message, Body: body}
}

// Errorf builds an error response with the given code.
func Errorf(code int, format string, args ...any) Response {
	return Response{Code: code, Status: "error", Message: fmt.Sprintf(format, args...)}
}

// Client issues synchronous-style calls over the async transport.
type Client struct {
	brokers  []string
	producer *kgo.Client
	logger   *zap.Logger
}

// NewClient creates an RPC client.
func NewClient(brokers []string, logger *zap.Logger) (*Client, error) {
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.DisableIdempotentWrite(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Client{brokers: brokers, producer: producer, logger: logger}, nil
}

// Call publishes a request to the named server queue and waits for the
// reply carrying the matching correlation id on an exclusive reply topic.
// Replies for other concurrent callers are never consumed here: each call
// gets its own reply topic, and correlation ids are still checked.
func (c *Client) Call(ctx context.Context, serverQueue, route string, params map[string]string) (Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	corrID := uuid.NewString()
	replyTopic := fmt.Sprintf("%s.reply.%s", serverQueue, corrID[:8])

	req := Request{
		CorrelationID: corrID,
		ReplyTo:       replyTopic,
		Route:         route,
		Params:        params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(c.brokers...),
		kgo.ConsumeTopics(replyTopic),
	)
	if err != nil {
		return Response{}, fmt.Errorf("failed to create reply consumer: %w", err)
	}
	defer consumer.Close()

	result := c.producer.ProduceSync(ctx, &kgo.Record{
		Topic: serverQueue,
		Key:   []byte(corrID),
		Value: body,
	})
	if result.FirstErr() != nil {
		return Response{}, fmt.Errorf("failed to publish request: %w", result.FirstErr())
	}

	c.logger.Debug("rpc request sent",
		zap.String("route", route),
		zap.String("server_queue", serverQueue),
		zap.String("correlation_id", corrID),
	)

	for {
		fetches := consumer.PollFetches(ctx)
		if err := ctx.Err(); err != nil {
			return Response{}, fmt.Errorf("rpc call %s timed out: %w", route, err)
		}
		if fetches.IsClientClosed() {
			return Response{}, fmt.Errorf("reply consumer closed")
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()

			var resp Response
			if err := json.Unmarshal(record.Value, &resp); err != nil {
				c.logger.Warn("dropping malformed rpc reply", zap.Error(err))
				continue
			}
			if resp.CorrelationID != corrID {
				continue
			}
			return resp, nil
		}
	}
}

// Close releases the underlying producer.
func (c *Client) Close() {
	if c.producer != nil {
		c.producer.Close()
	}
}

// RPCHandler serves one route.
type RPCHandler func(ctx context.Context, req Request) Response

// Server consumes a named request queue and dispatches requests to route
// handlers, publishing each reply to the request's reply topic.
type Server struct {
	queue    string
	consumer *kgo.Client
	producer *kgo.Client
	logger   *zap.Logger
	handlers map[string]RPCHandler
	routes   []string
}

// NewServer creates an RPC server for the named queue.
func NewServer(brokers []string, queue string, logger *zap.Logger) (*Server, error) {
	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(queue),
		kgo.ConsumeTopics(queue),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.DisableIdempotentWrite(),
	)
	if err != nil {
		consumer.Close()
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &Server{
		queue:    queue,
		consumer: consumer,
		producer: producer,
		logger:   logger,
		handlers: make(map[string]RPCHandler),
	}, nil
}

// Register binds a handler to a route prefix. The longest matching prefix
// wins at dispatch time.
func (s *Server) Register(route string, h RPCHandler) {
	s.handlers[route] = h
	s.routes = append(s.routes, route)
	s.logger.Info("registered rpc handler",
		zap.String("queue", s.queue),
		zap.String("route", route),
	)
}

// Run serves requests until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("rpc server listening", zap.String("queue", s.queue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			fetches := s.consumer.PollFetches(ctx)
			if fetches.IsClientClosed() {
				return fmt.Errorf("kafka client closed")
			}

			iter := fetches.RecordIter()
			for !iter.Done() {
				record := iter.Next()
				s.handleRequest(ctx, record.Value)
				s.consumer.CommitRecords(ctx, record)
			}
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, value []byte) {
	var req Request
	if err := json.Unmarshal(value, &req); err != nil {
		s.logger.Warn("dropping malformed rpc request",
			zap.String("queue", s.queue),
			zap.Error(err),
		)
		return
	}
	if req.ReplyTo == "" {
		s.logger.Warn("dropping rpc request without reply_to",
			zap.String("route", req.Route),
			zap.String("correlation_id", req.CorrelationID),
		)
		return
	}

	resp := s.dispatch(ctx, req)
	resp.CorrelationID = req.CorrelationID

	body, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal rpc response", zap.Error(err))
		return
	}

	result := s.producer.ProduceSync(ctx, &kgo.Record{
		Topic: req.ReplyTo,
		Key:   []byte(req.CorrelationID),
		Value: body,
	})
	if result.FirstErr() != nil {
		s.logger.Error("failed to publish rpc response",
			zap.String("reply_to", req.ReplyTo),
			zap.Error(result.FirstErr()),
		)
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	var best string
	for _, route := range s.routes {
		if strings.HasPrefix(req.Route, route) && len(route) > len(best) {
			best = route
		}
	}
	if best == "" {
		s.logger.Warn("no handler for rpc route",
			zap.String("queue", s.queue),
			zap.String("route", req.Route),
		)
		return Errorf(404, "no handler found for route: %s", req.Route)
	}

	s.logger.Debug("dispatching rpc request",
		zap.String("route", req.Route),
		zap.String("handler", best),
		zap.String("correlation_id", req.CorrelationID),
	)
	return s.handlers[best](ctx, req)
}

// Close releases the server's Kafka clients.
func (s *Server) Close() {
	if s.consumer != nil {
		s.consumer.Close()
	}
	if s.producer != nil {
		s.producer.Close()
	}
}
