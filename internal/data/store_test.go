package data

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBars(start time.Time, n int) []Bar {
	bars := make([]Bar, n)
	for i := range bars {
		base := 100 + float64(i)
		bars[i] = Bar{
			Start:  start.Add(time.Duration(i) * time.Minute),
			Open:   base,
			High:   base + 2,
			Low:    base - 1,
			Close:  base + 1,
			Volume: 1000,
		}
	}
	return bars
}

func TestBarStoreRoundTrip(t *testing.T) {
	store, err := OpenBarStore(filepath.Join(t.TempDir(), "bars.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	start := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	bars := testBars(start, 5)

	require.NoError(t, store.PutBars(ctx, "AAPL", time.Minute, bars))

	got, err := store.GetOHLCV(ctx, "AAPL", start, start.Add(5*time.Minute), time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, bars, got)
}

func TestBarStoreRangeIsHalfOpen(t *testing.T) {
	store, err := OpenBarStore(filepath.Join(t.TempDir(), "bars.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	start := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	require.NoError(t, store.PutBars(ctx, "AAPL", time.Minute, testBars(start, 5)))

	got, err := store.GetOHLCV(ctx, "AAPL", start.Add(time.Minute), start.Add(3*time.Minute), time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, start.Add(time.Minute), got[0].Start)
	assert.Equal(t, start.Add(2*time.Minute), got[1].Start)
}

func TestBarStoreUpsertOverwrites(t *testing.T) {
	store, err := OpenBarStore(filepath.Join(t.TempDir(), "bars.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	start := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	require.NoError(t, store.PutBars(ctx, "AAPL", time.Minute, []Bar{
		{Start: start, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10},
	}))
	require.NoError(t, store.PutBars(ctx, "AAPL", time.Minute, []Bar{
		{Start: start, Open: 200, High: 201, Low: 199, Close: 200.5, Volume: 20},
	}))

	got, err := store.GetOHLCV(ctx, "AAPL", start, start.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 200.0, got[0].Open)
	assert.Equal(t, 20.0, got[0].Volume)
}

func TestBarStoreMissingSymbol(t *testing.T) {
	store, err := OpenBarStore(filepath.Join(t.TempDir(), "bars.db"))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.GetOHLCV(context.Background(), "MSFT",
		time.Now().Add(-time.Hour), time.Now(), time.Minute)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestBarStoreSeparatesGranularities(t *testing.T) {
	store, err := OpenBarStore(filepath.Join(t.TempDir(), "bars.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	start := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	require.NoError(t, store.PutBars(ctx, "AAPL", time.Minute, testBars(start, 1)))

	_, err = store.GetOHLCV(ctx, "AAPL", start, start.Add(time.Hour), 5*time.Minute)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestMemorySource(t *testing.T) {
	src := NewMemorySource()
	start := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

	// Added out of order, served sorted.
	src.AddBars("AAPL", Bar{Start: start.Add(time.Minute), Open: 101, High: 103, Low: 100, Close: 102, Volume: 1})
	src.AddBars("AAPL", Bar{Start: start, Open: 100, High: 102, Low: 99, Close: 101, Volume: 1})

	got, err := src.GetOHLCV(context.Background(), "AAPL", start, start.Add(time.Hour), time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Start.Before(got[1].Start))

	_, err = src.GetOHLCV(context.Background(), "MSFT", start, start.Add(time.Hour), time.Minute)
	assert.ErrorIs(t, err, ErrNoData)
}
