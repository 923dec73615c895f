// Package data provides historical OHLCV bar storage and retrieval for
// replay simulations.
package data

import (
	"context"
	"errors"
	"time"
)

// ErrNoData is returned when a source has no bars for the requested
// symbol and range.
var ErrNoData = errors.New("no bars for symbol in range")

// Bar is one OHLCV candle. Start is the inclusive open time of the
// candle's interval.
type Bar struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Source serves historical bars. Implementations must return bars sorted
// by Start ascending.
type Source interface {
	GetOHLCV(ctx context.Context, symbol string, start, end time.Time, granularity time.Duration) ([]Bar, error)
}
