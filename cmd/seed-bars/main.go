package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"papertrade/internal/config"
	"papertrade/internal/data"
	"papertrade/internal/logging"
)

// seed-bars loads OHLCV candles from a CSV file into the bar store so a
// replay can serve them. Expected columns:
//
//	start,open,high,low,close,volume
//
// with start in RFC 3339, and an optional header row.
func main() {
	file := flag.String("file", "", "CSV file to load")
	symbol := flag.String("symbol", "", "symbol the bars belong to")
	granularity := flag.Duration("granularity", time.Minute, "candle duration")
	flag.Parse()

	if *file == "" || *symbol == "" {
		fmt.Fprintln(os.Stderr, "usage: seed-bars -file bars.csv -symbol AAPL [-granularity 1m]")
		os.Exit(1)
	}

	cfg, err := config.LoadService("seed-bars")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger("seed-bars", cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	bars, err := readBars(*file)
	if err != nil {
		logger.Fatal("failed to read bars", zap.String("file", *file), zap.Error(err))
	}
	if len(bars) == 0 {
		logger.Fatal("no bars in file", zap.String("file", *file))
	}

	store, err := data.OpenBarStore(cfg.Storage.BarsDB)
	if err != nil {
		logger.Fatal("failed to open bar store", zap.Error(err))
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := store.PutBars(ctx, *symbol, *granularity, bars); err != nil {
		logger.Fatal("failed to store bars", zap.Error(err))
	}

	logger.Info("bars loaded",
		zap.String("symbol", *symbol),
		zap.Int("count", len(bars)),
		zap.Duration("granularity", *granularity),
		zap.Time("first", bars[0].Start),
		zap.Time("last", bars[len(bars)-1].Start),
	)
}

func readBars(path string) ([]data.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = 6

	var bars []data.Bar
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line+1, err)
		}
		line++

		start, err := time.Parse(time.RFC3339, record[0])
		if err != nil {
			if line == 1 {
				// Header row.
				continue
			}
			return nil, fmt.Errorf("line %d: invalid start time %q: %w", line, record[0], err)
		}

		values := make([]float64, 5)
		for i := 0; i < 5; i++ {
			values[i], err = strconv.ParseFloat(record[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid number %q: %w", line, record[i+1], err)
			}
		}

		bars = append(bars, data.Bar{
			Start:  start.UTC(),
			Open:   values[0],
			High:   values[1],
			Low:    values[2],
			Close:  values[3],
			Volume: values[4],
		})
	}

	return bars, nil
}
