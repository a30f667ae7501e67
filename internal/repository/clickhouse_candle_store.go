package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"TickMill/internal/domain/models"
	domrepo "TickMill/internal/domain/repository"
)

// ClickHouseCandleStore implements CandleStore on a ReplacingMergeTree table
// keyed by (symbol, interval_s, bucket_ms, source). Recomputing a bucket
// rewrites it wholesale; the last written version wins.
type ClickHouseCandleStore struct {
	db          *sql.DB
	table       string
	legacyTable string
}

// NewClickHouseCandleStore creates ClickHouse-backed candle storage.
// legacyTable may be empty when no pre-resampling table exists.
func NewClickHouseCandleStore(db *sql.DB, table, legacyTable string) *ClickHouseCandleStore {
	return &ClickHouseCandleStore{db: db, table: table, legacyTable: legacyTable}
}

func (s *ClickHouseCandleStore) UpsertCandles(ctx context.Context, candles []*models.CandleBucket) error {
	if len(candles) == 0 {
		return nil
	}
	values := make([]string, 0, len(candles))
	args := make([]interface{}, 0, len(candles)*9)
	for _, c := range candles {
		if c == nil || c.Symbol == "" || c.Volume == 0 {
			// A bucket with zero ticks is never materialized.
			continue
		}
		values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			c.Symbol, c.IntervalSeconds, c.BucketStartMs,
			c.Open, c.High, c.Low, c.Close, c.Volume, string(c.Source),
		)
	}
	if len(values) == 0 {
		return nil
	}
	q := fmt.Sprintf("INSERT INTO %s (symbol, interval_s, bucket_ms, open, high, low, close, volume, source) VALUES %s",
		s.table, strings.Join(values, ","))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("%w: upsert candles: %v", models.ErrStoreWrite, err)
	}
	return nil
}

func (s *ClickHouseCandleStore) QueryCandles(ctx context.Context, symbol string, intervalSeconds, startMs, endMs int64, src models.TickSource) ([]*models.CandleBucket, error) {
	q := fmt.Sprintf(`
        SELECT symbol, interval_s, bucket_ms, open, high, low, close, volume, source
        FROM %s FINAL
        WHERE symbol = ? AND interval_s = ? AND source = ? AND bucket_ms >= ? AND bucket_ms <= ?
        ORDER BY bucket_ms ASC
    `, s.table)
	rows, err := s.db.QueryContext(ctx, q, symbol, intervalSeconds, string(src), startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("%w: query candles: %v", models.ErrStoreRead, err)
	}
	defer rows.Close()

	out := make([]*models.CandleBucket, 0, 256)
	for rows.Next() {
		var c models.CandleBucket
		var csrc string
		if err := rows.Scan(&c.Symbol, &c.IntervalSeconds, &c.BucketStartMs,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &csrc); err != nil {
			return nil, fmt.Errorf("%w: scan candle: %v", models.ErrStoreRead, err)
		}
		c.Source = models.TickSource(csrc)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", models.ErrStoreRead, err)
	}
	return out, nil
}

// MaxCandleBucketStart returns the cache high-water mark for a symbol and
// interval. ok is false when nothing is cached yet.
func (s *ClickHouseCandleStore) MaxCandleBucketStart(ctx context.Context, symbol string, intervalSeconds int64, src models.TickSource) (int64, bool, error) {
	q := fmt.Sprintf(`
        SELECT max(bucket_ms)
        FROM %s FINAL
        WHERE symbol = ? AND interval_s = ? AND source = ?
    `, s.table)
	var mark sql.NullInt64
	if err := s.db.QueryRowContext(ctx, q, symbol, intervalSeconds, string(src)).Scan(&mark); err != nil {
		return 0, false, fmt.Errorf("%w: max bucket start: %v", models.ErrStoreRead, err)
	}
	if !mark.Valid {
		return 0, false, nil
	}
	return mark.Int64, true, nil
}

func (s *ClickHouseCandleStore) CountCandles(ctx context.Context) (int64, error) {
	var n int64
	q := fmt.Sprintf("SELECT count() FROM %s FINAL", s.table)
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count candles: %v", models.ErrStoreRead, err)
	}
	return n, nil
}

// QueryLegacyBars reads the pre-resampling bars table. Timestamps there carry
// mixed units, so they come back raw for normalization by the caller.
func (s *ClickHouseCandleStore) QueryLegacyBars(ctx context.Context, symbol string, startMs, endMs int64) ([]*models.LegacyBar, error) {
	if s.legacyTable == "" {
		return nil, nil
	}
	// The raw ts column predates unit normalization; bound the scan loosely
	// by seconds as well as milliseconds.
	q := fmt.Sprintf(`
        SELECT symbol, ts, open, high, low, close
        FROM %s
        WHERE symbol = ? AND (ts BETWEEN ? AND ? OR ts BETWEEN ? AND ?)
        ORDER BY ts ASC
    `, s.legacyTable)
	rows, err := s.db.QueryContext(ctx, q, symbol,
		float64(startMs), float64(endMs),
		float64(startMs)/1000, float64(endMs)/1000)
	if err != nil {
		return nil, fmt.Errorf("%w: query legacy bars: %v", models.ErrStoreRead, err)
	}
	defer rows.Close()

	var bars []*models.LegacyBar
	for rows.Next() {
		var b models.LegacyBar
		if err := rows.Scan(&b.Symbol, &b.RawTimestamp, &b.Open, &b.High, &b.Low, &b.Close); err != nil {
			return nil, fmt.Errorf("%w: scan legacy bar: %v", models.ErrStoreRead, err)
		}
		bars = append(bars, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", models.ErrStoreRead, err)
	}
	return bars, nil
}

var _ domrepo.CandleStore = (*ClickHouseCandleStore)(nil)
