package ticker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"papertrade/internal/bus"
	"papertrade/internal/event"
)

const (
	reconnectBase = 1 * time.Second
	reconnectMax  = 30 * time.Second
)

// feedControl is the subscribe/unsubscribe frame the feed expects.
type feedControl struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

// feedMessage is a batch of trades from the feed.
type feedMessage struct {
	Type string `json:"type"`
	Data []struct {
		Symbol string  `json:"s"`
		Price  float64 `json:"p"`
		TsMs   int64   `json:"t"`
	} `json:"data"`
}

// LiveTicker streams real trades from a websocket market-data feed. On
// connection loss it reconnects with exponential backoff and resubscribes
// every tracked symbol, so subscribers never notice the gap beyond the
// missing ticks.
type LiveTicker struct {
	url     string
	emitter bus.Emitter
	logger  *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols map[string]struct{}
}

// NewLiveTicker creates a live ticker for the given feed URL (the API
// token goes in the URL query).
func NewLiveTicker(url string, emitter bus.Emitter, logger *zap.Logger) *LiveTicker {
	return &LiveTicker{
		url:     url,
		emitter: emitter,
		logger:  logger,
		symbols: make(map[string]struct{}),
	}
}

// Run maintains the feed connection until ctx is cancelled.
func (l *LiveTicker) Run(ctx context.Context) error {
	backoff := reconnectBase

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := l.connectAndStream(ctx)
		if errors.Is(err, context.Canceled) {
			return err
		}
		l.logger.Warn("feed connection lost",
			zap.Error(err),
			zap.Duration("retry_in", backoff),
		)

		if err := sleepCtx(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (l *LiveTicker) connectAndStream(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial feed: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	symbols := make([]string, 0, len(l.symbols))
	for s := range l.symbols {
		symbols = append(symbols, s)
	}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		conn.Close()
	}()

	l.logger.Info("feed connected", zap.String("feed", redactFeedURL(l.url)))

	for _, symbol := range symbols {
		if err := conn.WriteJSON(feedControl{Type: "subscribe", Symbol: symbol}); err != nil {
			return fmt.Errorf("failed to resubscribe %s: %w", symbol, err)
		}
	}

	// Close the socket when ctx dies so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from feed: %w", err)
		}

		var msg feedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			l.logger.Warn("dropping malformed feed message", zap.Error(err))
			continue
		}
		if msg.Type != "trade" {
			continue
		}

		for _, trade := range msg.Data {
			tick := event.Tick{
				EventTime: time.UnixMilli(trade.TsMs).UTC(),
				Symbol:    trade.Symbol,
				Price:     trade.Price,
			}
			if err := l.emitter.Emit(ctx, tick); err != nil {
				if errors.Is(err, bus.ErrBusy) {
					// A live feed cannot pause the market; drop and move on.
					l.logger.Warn("bus busy, dropping tick", zap.String("symbol", trade.Symbol))
					continue
				}
				l.logger.Error("failed to emit tick", zap.Error(err))
			}
		}
	}
}

// redactFeedURL strips the query string so the API token never lands in
// the logs.
func redactFeedURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	return u.String()
}

// Subscribe asks the feed for symbol's trades.
func (l *LiveTicker) Subscribe(symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.symbols[symbol]; ok {
		l.logger.Warn("symbol already subscribed", zap.String("symbol", symbol))
		return nil
	}
	l.symbols[symbol] = struct{}{}

	if l.conn == nil {
		// Not connected yet; Run resubscribes on connect.
		return nil
	}
	if err := l.conn.WriteJSON(feedControl{Type: "subscribe", Symbol: symbol}); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", symbol, err)
	}
	return nil
}

// Unsubscribe stops the feed's trades for symbol.
func (l *LiveTicker) Unsubscribe(symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.symbols[symbol]; !ok {
		l.logger.Warn("symbol not subscribed", zap.String("symbol", symbol))
		return nil
	}
	delete(l.symbols, symbol)

	if l.conn == nil {
		return nil
	}
	if err := l.conn.WriteJSON(feedControl{Type: "unsubscribe", Symbol: symbol}); err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", symbol, err)
	}
	return nil
}
