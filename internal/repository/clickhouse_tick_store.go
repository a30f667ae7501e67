package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"TickMill/internal/domain/models"
	domrepo "TickMill/internal/domain/repository"
)

// ClickHouseTickStore implements TickStore on a ReplacingMergeTree table.
// Inserts are upserts: rows sharing (symbol, ts_ms, source) collapse to the
// last written version at merge time, and reads go through FINAL so
// re-delivered batches never inflate row counts.
type ClickHouseTickStore struct {
	db    *sql.DB
	table string
}

// NewClickHouseTickStore creates ClickHouse-backed tick storage.
func NewClickHouseTickStore(db *sql.DB, table string) *ClickHouseTickStore {
	return &ClickHouseTickStore{db: db, table: table}
}

func (s *ClickHouseTickStore) Init(ctx context.Context) error {
	return nil // schema init happens in di
}

func (s *ClickHouseTickStore) UpsertTicks(ctx context.Context, ticks []*models.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	// Multi-row VALUES insert to reduce round-trips; chunked for sustained
	// bursts.
	const chunkSize = 2000
	for start := 0; start < len(ticks); start += chunkSize {
		end := start + chunkSize
		if end > len(ticks) {
			end = len(ticks)
		}

		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*4)
		for _, t := range ticks[start:end] {
			if t == nil || t.Symbol == "" || t.TimestampMs < 0 {
				continue
			}
			values = append(values, "(?, ?, ?, ?)")
			args = append(args, t.Symbol, t.TimestampMs, t.Price, string(t.Source))
		}
		if len(values) == 0 {
			continue
		}
		q := fmt.Sprintf("INSERT INTO %s (symbol, ts_ms, price, source) VALUES %s",
			s.table, strings.Join(values, ","))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("%w: upsert ticks: %v", models.ErrStoreWrite, err)
		}
	}
	return nil
}

func (s *ClickHouseTickStore) QueryTicks(ctx context.Context, symbol string, startMs, endMs int64) ([]*models.Tick, error) {
	q := fmt.Sprintf(`
        SELECT symbol, ts_ms, price, source
        FROM %s FINAL
        WHERE symbol = ? AND ts_ms >= ? AND ts_ms <= ?
        ORDER BY ts_ms ASC
    `, s.table)
	return s.scanTicks(ctx, q, symbol, startMs, endMs)
}

func (s *ClickHouseTickStore) scanTicks(ctx context.Context, q string, args ...interface{}) ([]*models.Tick, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query ticks: %v", models.ErrStoreRead, err)
	}
	defer rows.Close()

	var ticks []*models.Tick
	for rows.Next() {
		var t models.Tick
		var src string
		if err := rows.Scan(&t.Symbol, &t.TimestampMs, &t.Price, &src); err != nil {
			return nil, fmt.Errorf("%w: scan tick: %v", models.ErrStoreRead, err)
		}
		t.Source = models.TickSource(src)
		ticks = append(ticks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", models.ErrStoreRead, err)
	}
	return ticks, nil
}

func (s *ClickHouseTickStore) CountTicks(ctx context.Context) (int64, error) {
	var n int64
	q := fmt.Sprintf("SELECT count() FROM %s FINAL", s.table)
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count ticks: %v", models.ErrStoreRead, err)
	}
	return n, nil
}

// DeleteTicksOlderThan removes rows older than cutoffMs and returns how many
// were removed. Uses a lightweight DELETE so cost tracks rows removed.
func (s *ClickHouseTickStore) DeleteTicksOlderThan(ctx context.Context, cutoffMs int64) (int64, error) {
	var n int64
	cq := fmt.Sprintf("SELECT count() FROM %s FINAL WHERE ts_ms < ?", s.table)
	if err := s.db.QueryRowContext(ctx, cq, cutoffMs).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count old ticks: %v", models.ErrStoreRead, err)
	}
	if n == 0 {
		return 0, nil
	}
	dq := fmt.Sprintf("DELETE FROM %s WHERE ts_ms < ?", s.table)
	if _, err := s.db.ExecContext(ctx, dq, cutoffMs); err != nil {
		return 0, fmt.Errorf("%w: delete old ticks: %v", models.ErrStoreWrite, err)
	}
	return n, nil
}

// DeleteOldestTicksToLimit trims the table down to maxCount rows by deleting
// the oldest ones. The boundary is the timestamp of the first surviving row;
// rows sharing that timestamp survive together.
func (s *ClickHouseTickStore) DeleteOldestTicksToLimit(ctx context.Context, maxCount int64) (int64, error) {
	total, err := s.CountTicks(ctx)
	if err != nil {
		return 0, err
	}
	if total <= maxCount {
		return 0, nil
	}
	overshoot := total - maxCount

	var boundary int64
	bq := fmt.Sprintf("SELECT ts_ms FROM %s FINAL ORDER BY ts_ms ASC LIMIT 1 OFFSET %d", s.table, overshoot)
	if err := s.db.QueryRowContext(ctx, bq).Scan(&boundary); err != nil {
		return 0, fmt.Errorf("%w: find cap boundary: %v", models.ErrStoreRead, err)
	}

	var n int64
	cq := fmt.Sprintf("SELECT count() FROM %s FINAL WHERE ts_ms < ?", s.table)
	if err := s.db.QueryRowContext(ctx, cq, boundary).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count capped ticks: %v", models.ErrStoreRead, err)
	}
	if n == 0 {
		return 0, nil
	}
	dq := fmt.Sprintf("DELETE FROM %s WHERE ts_ms < ?", s.table)
	if _, err := s.db.ExecContext(ctx, dq, boundary); err != nil {
		return 0, fmt.Errorf("%w: delete capped ticks: %v", models.ErrStoreWrite, err)
	}
	return n, nil
}

func (s *ClickHouseTickStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var _ domrepo.TickStore = (*ClickHouseTickStore)(nil)
