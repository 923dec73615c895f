package ticker

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"papertrade/internal/data"
)

// Point is one synthesized tick inside a candle, offset from the candle's
// open time.
type Point struct {
	Offset time.Duration
	Price  float64
}

// GenerateStream expands one OHLCV bar into a plausible intra-candle tick
// sequence. The number of ticks is Poisson-distributed around
// ticksPerMinute scaled to the candle duration, floored at four so the
// open, high, low and close prices always appear. The open is always the
// first tick and the close the last; the remaining prices land between
// them in random order at random offsets.
func GenerateStream(rng *rand.Rand, bar data.Bar, candle time.Duration, ticksPerMinute float64) []Point {
	lambda := ticksPerMinute * candle.Minutes()
	n := poisson(rng, lambda)
	if n < 4 {
		n = 4
	}

	interior := make([]float64, 0, n-2)
	interior = append(interior, bar.High, bar.Low)
	for i := 0; i < n-4; i++ {
		interior = append(interior, bar.Low+rng.Float64()*(bar.High-bar.Low))
	}
	rng.Shuffle(len(interior), func(i, j int) {
		interior[i], interior[j] = interior[j], interior[i]
	})

	// Interior offsets are strictly inside (0, candle). A candle of 1ns
	// has no interior, so everything collapses onto the open.
	span := int64(candle) - 1
	offsets := make([]time.Duration, len(interior))
	for i := range offsets {
		if span > 0 {
			offsets[i] = time.Duration(rng.Int63n(span) + 1)
		}
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	points := make([]Point, 0, n)
	points = append(points, Point{Offset: 0, Price: bar.Open})
	for i, price := range interior {
		points = append(points, Point{Offset: offsets[i], Price: price})
	}
	points = append(points, Point{Offset: candle, Price: bar.Close})
	return points
}

// poisson samples a Poisson variate by inversion (Knuth). Fine for the
// tick rates used here; underflows only past lambda ~700.
func poisson(rng *rand.Rand, lambda float64) int {
	if lambda <= 0 {
		return 0
	}
	limit := math.Exp(-lambda)
	k := 0
	p := 1.0
	for {
		p *= rng.Float64()
		if p <= limit {
			return k
		}
		k++
	}
}
