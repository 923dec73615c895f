package data

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// BarStore persists OHLCV bars in sqlite, keyed by symbol, granularity and
// candle start time. The write path upserts so re-seeding the same range
// is harmless.
type BarStore struct {
	db *sql.DB
}

// OpenBarStore creates or opens the bar database at path.
func OpenBarStore(path string) (*BarStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &BarStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func (s *BarStore) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			symbol TEXT NOT NULL,
			granularity_seconds INTEGER NOT NULL,
			start_unix INTEGER NOT NULL,
			open REAL NOT NULL,
			high REAL NOT NULL,
			low REAL NOT NULL,
			close REAL NOT NULL,
			volume REAL NOT NULL,
			PRIMARY KEY (symbol, granularity_seconds, start_unix)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bars_range
			ON bars(symbol, granularity_seconds, start_unix)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	return nil
}

// PutBars upserts bars for a symbol at the given granularity.
func (s *BarStore) PutBars(ctx context.Context, symbol string, granularity time.Duration, bars []Bar) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO bars (symbol, granularity_seconds, start_unix, open, high, low, close, volume)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(symbol, granularity_seconds, start_unix)
		 DO UPDATE SET open=excluded.open, high=excluded.high, low=excluded.low,
		               close=excluded.close, volume=excluded.volume`,
	)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	granSeconds := int64(granularity / time.Second)
	for _, bar := range bars {
		if _, err := stmt.ExecContext(ctx,
			symbol, granSeconds, bar.Start.Unix(),
			bar.Open, bar.High, bar.Low, bar.Close, bar.Volume,
		); err != nil {
			return fmt.Errorf("failed to upsert bar: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// GetOHLCV returns bars with Start in [start, end), sorted ascending.
func (s *BarStore) GetOHLCV(ctx context.Context, symbol string, start, end time.Time, granularity time.Duration) ([]Bar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT start_unix, open, high, low, close, volume FROM bars
		 WHERE symbol = ? AND granularity_seconds = ? AND start_unix >= ? AND start_unix < ?
		 ORDER BY start_unix ASC`,
		symbol, int64(granularity/time.Second), start.Unix(), end.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	var bars []Bar
	for rows.Next() {
		var startUnix int64
		var bar Bar
		if err := rows.Scan(&startUnix, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		bar.Start = time.Unix(startUnix, 0).UTC()
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bars: %w", err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s [%s, %s)", ErrNoData, symbol,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	return bars, nil
}

// Close releases the database handle.
func (s *BarStore) Close() error {
	return s.db.Close()
}
