package data

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemorySource is an in-memory Source for tests and synthetic runs.
type MemorySource struct {
	mu   sync.RWMutex
	bars map[string][]Bar
}

// NewMemorySource creates an empty in-memory source.
func NewMemorySource() *MemorySource {
	return &MemorySource{bars: make(map[string][]Bar)}
}

// AddBars appends bars for a symbol, keeping them sorted by Start.
func (m *MemorySource) AddBars(symbol string, bars ...Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars[symbol] = append(m.bars[symbol], bars...)
	sort.Slice(m.bars[symbol], func(i, j int) bool {
		return m.bars[symbol][i].Start.Before(m.bars[symbol][j].Start)
	})
}

// GetOHLCV returns the stored bars with Start in [start, end).
func (m *MemorySource) GetOHLCV(_ context.Context, symbol string, start, end time.Time, _ time.Duration) ([]Bar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Bar
	for _, bar := range m.bars[symbol] {
		if !bar.Start.Before(start) && bar.Start.Before(end) {
			out = append(out, bar)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, symbol)
	}
	return out, nil
}
