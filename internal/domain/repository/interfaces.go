package repository

import (
	"context"

	"TickMill/internal/domain/models"
)

// MarketStream is the push observation channel (event-driven source).
type MarketStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Read(ctx context.Context) (<-chan *models.Tick, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

// QuoteSource is the poll observation channel (pull source). One call per
// scheduled poll tick.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (*models.Tick, error)
}

// TickStore is the durable tick table. UpsertTicks is idempotent on
// (symbol, ts_ms, source).
type TickStore interface {
	Init(ctx context.Context) error
	UpsertTicks(ctx context.Context, ticks []*models.Tick) error
	QueryTicks(ctx context.Context, symbol string, startMs, endMs int64) ([]*models.Tick, error)
	CountTicks(ctx context.Context) (int64, error)
	DeleteTicksOlderThan(ctx context.Context, cutoffMs int64) (int64, error)
	DeleteOldestTicksToLimit(ctx context.Context, maxCount int64) (int64, error)
	Health(ctx context.Context) error
}

// CandleStore is the durable candle table. UpsertCandles is idempotent on
// (symbol, interval_s, bucket_ms, source).
type CandleStore interface {
	UpsertCandles(ctx context.Context, candles []*models.CandleBucket) error
	QueryCandles(ctx context.Context, symbol string, intervalSeconds, startMs, endMs int64, src models.TickSource) ([]*models.CandleBucket, error)
	MaxCandleBucketStart(ctx context.Context, symbol string, intervalSeconds int64, src models.TickSource) (int64, bool, error)
	CountCandles(ctx context.Context) (int64, error)
	QueryLegacyBars(ctx context.Context, symbol string, startMs, endMs int64) ([]*models.LegacyBar, error)
}

// TickSink receives accepted ticks from the collector. The buffer and the
// mirror pipeline both implement it.
type TickSink interface {
	Ingest(t *models.Tick) bool
}

// Publisher forwards ticks to an external transport (Kafka mirror).
type Publisher interface {
	Publish(ctx context.Context, t *models.Tick) error
	PublishBatch(ctx context.Context, ticks []*models.Tick) error
	Close() error
}

// Metrics is the observability surface used across the pipeline.
type Metrics interface {
	IncAccepted(symbol string)
	IncDropped(reason string)
	IncFlushed(n int)
	IncRetentionDeleted(n int)
	IncCandlesFinalized(symbol string)
	RecordError(kind string)
	RecordLastPrice(symbol string, price float64)
	RecordLatency(op string, seconds float64)
	SetBufferSize(n int)
	SetPollMode(fallback bool)
}
