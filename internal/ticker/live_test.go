package ticker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeFeed is a websocket server that records control frames and replays
// trade batches to each connected client.
type fakeFeed struct {
	upgrader websocket.Upgrader
	controls chan feedControl
	trades   chan []byte
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		controls: make(chan feedControl, 16),
		trades:   make(chan []byte, 16),
	}
}

func (f *fakeFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	go func() {
		for {
			var ctrl feedControl
			if err := conn.ReadJSON(&ctrl); err != nil {
				return
			}
			f.controls <- ctrl
		}
	}()

	for raw := range f.trades {
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
}

func TestLiveTickerEmitsTrades(t *testing.T) {
	feed := newFakeFeed()
	srv := httptest.NewServer(feed)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	emitter := &captureEmitter{}
	lt := NewLiveTicker(url, emitter, zap.NewNop())
	require.NoError(t, lt.Subscribe("AAPL"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = lt.Run(ctx) }()

	// The pre-Run subscription is replayed on connect.
	select {
	case ctrl := <-feed.controls:
		assert.Equal(t, "subscribe", ctrl.Type)
		assert.Equal(t, "AAPL", ctrl.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe frame received")
	}

	batch, err := json.Marshal(map[string]any{
		"type": "trade",
		"data": []map[string]any{
			{"s": "AAPL", "p": 187.5, "t": 1710495000000},
			{"s": "AAPL", "p": 187.6, "t": 1710495000500},
		},
	})
	require.NoError(t, err)
	feed.trades <- batch

	require.Eventually(t, func() bool {
		return len(emitter.seen()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	ticks := emitter.seen()
	assert.Equal(t, 187.5, ticks[0].Price)
	assert.Equal(t, time.UnixMilli(1710495000000).UTC(), ticks[0].EventTime)
	assert.Equal(t, "AAPL", ticks[1].Symbol)
}

func TestLiveTickerIgnoresNonTradeMessages(t *testing.T) {
	feed := newFakeFeed()
	srv := httptest.NewServer(feed)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	emitter := &captureEmitter{}
	lt := NewLiveTicker(url, emitter, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = lt.Run(ctx) }()

	feed.trades <- []byte(`{"type":"ping"}`)
	feed.trades <- []byte(`not json at all`)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, emitter.seen())
}

func TestLiveTickerSubscribeUnsubscribeFrames(t *testing.T) {
	feed := newFakeFeed()
	srv := httptest.NewServer(feed)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	lt := NewLiveTicker(url, &captureEmitter{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = lt.Run(ctx) }()

	// Wait for the connection before sending live control frames.
	require.Eventually(t, func() bool {
		lt.mu.Lock()
		defer lt.mu.Unlock()
		return lt.conn != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, lt.Subscribe("MSFT"))
	ctrl := <-feed.controls
	assert.Equal(t, feedControl{Type: "subscribe", Symbol: "MSFT"}, ctrl)

	require.NoError(t, lt.Unsubscribe("MSFT"))
	ctrl = <-feed.controls
	assert.Equal(t, feedControl{Type: "unsubscribe", Symbol: "MSFT"}, ctrl)

	// Unknown symbol is a logged no-op.
	require.NoError(t, lt.Unsubscribe("TSLA"))
}

func TestRedactFeedURLDropsToken(t *testing.T) {
	assert.Equal(t, "wss://feed.example.com/ws",
		redactFeedURL("wss://feed.example.com/ws?token=s3cret"))
	assert.Equal(t, "wss://feed.example.com/ws",
		redactFeedURL("wss://feed.example.com/ws"))
	assert.Equal(t, "", redactFeedURL("://not a url"))
}
