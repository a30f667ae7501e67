package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"

	"TickMill/internal/domain/models"
)

// memTickStore is an in-memory TickStore for tests. Rows are keyed by the
// tick identity (symbol, ts_ms, source) so re-delivered batches collapse the
// way the real table's replacing merge does. failUpserts makes the next N
// UpsertTicks calls fail.
type memTickStore struct {
	mu          sync.Mutex
	ticks       map[tickKey]*models.Tick
	failUpserts int
	upsertCalls int
}

type tickKey struct {
	symbol string
	tsMs   int64
	source models.TickSource
}

func (s *memTickStore) Init(ctx context.Context) error { return nil }

func (s *memTickStore) UpsertTicks(ctx context.Context, ticks []*models.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCalls++
	if s.failUpserts > 0 {
		s.failUpserts--
		return errors.New("store unavailable")
	}
	if s.ticks == nil {
		s.ticks = make(map[tickKey]*models.Tick)
	}
	for _, t := range ticks {
		cp := *t
		s.ticks[tickKey{t.Symbol, t.TimestampMs, t.Source}] = &cp
	}
	return nil
}

func (s *memTickStore) QueryTicks(ctx context.Context, symbol string, startMs, endMs int64) ([]*models.Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Tick
	for _, t := range s.ticks {
		if t.Symbol == symbol && t.TimestampMs >= startMs && t.TimestampMs <= endMs {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampMs < out[j].TimestampMs })
	return out, nil
}

func (s *memTickStore) CountTicks(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.ticks)), nil
}

func (s *memTickStore) DeleteTicksOlderThan(ctx context.Context, cutoffMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for k := range s.ticks {
		if k.tsMs < cutoffMs {
			delete(s.ticks, k)
			deleted++
		}
	}
	return deleted, nil
}

func (s *memTickStore) DeleteOldestTicksToLimit(ctx context.Context, maxCount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	over := int64(len(s.ticks)) - maxCount
	if over <= 0 {
		return 0, nil
	}
	keys := make([]tickKey, 0, len(s.ticks))
	for k := range s.ticks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].tsMs < keys[j].tsMs })
	for _, k := range keys[:over] {
		delete(s.ticks, k)
	}
	return over, nil
}

func (s *memTickStore) Health(ctx context.Context) error { return nil }

func (s *memTickStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ticks)
}

// memCandleStore is an in-memory CandleStore for tests.
type memCandleStore struct {
	mu      sync.Mutex
	candles map[candleKey]*models.CandleBucket
	legacy  []*models.LegacyBar
	upserts int
}

type candleKey struct {
	symbol   string
	interval int64
	bucket   int64
	source   models.TickSource
}

func newMemCandleStore() *memCandleStore {
	return &memCandleStore{candles: make(map[candleKey]*models.CandleBucket)}
}

func (s *memCandleStore) UpsertCandles(ctx context.Context, candles []*models.CandleBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	for _, c := range candles {
		cp := *c
		s.candles[candleKey{c.Symbol, c.IntervalSeconds, c.BucketStartMs, c.Source}] = &cp
	}
	return nil
}

func (s *memCandleStore) QueryCandles(ctx context.Context, symbol string, intervalSeconds, startMs, endMs int64, src models.TickSource) ([]*models.CandleBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.CandleBucket
	for k, c := range s.candles {
		if k.symbol == symbol && k.interval == intervalSeconds && k.source == src &&
			k.bucket >= startMs && k.bucket <= endMs {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStartMs < out[j].BucketStartMs })
	return out, nil
}

func (s *memCandleStore) MaxCandleBucketStart(ctx context.Context, symbol string, intervalSeconds int64, src models.TickSource) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	found := false
	for k := range s.candles {
		if k.symbol == symbol && k.interval == intervalSeconds && k.source == src {
			if !found || k.bucket > max {
				max = k.bucket
			}
			found = true
		}
	}
	return max, found, nil
}

func (s *memCandleStore) CountCandles(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.candles)), nil
}

func (s *memCandleStore) QueryLegacyBars(ctx context.Context, symbol string, startMs, endMs int64) ([]*models.LegacyBar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.LegacyBar
	for _, b := range s.legacy {
		if b.Symbol == symbol {
			out = append(out, b)
		}
	}
	return out, nil
}

// nopMetrics satisfies the Metrics interface without recording anything.
type nopMetrics struct{}

func (nopMetrics) IncAccepted(string)             {}
func (nopMetrics) IncDropped(string)              {}
func (nopMetrics) IncFlushed(int)                 {}
func (nopMetrics) IncRetentionDeleted(int)        {}
func (nopMetrics) IncCandlesFinalized(string)     {}
func (nopMetrics) RecordError(string)             {}
func (nopMetrics) RecordLastPrice(string, float64) {}
func (nopMetrics) RecordLatency(string, float64)  {}
func (nopMetrics) SetBufferSize(int)              {}
func (nopMetrics) SetPollMode(bool)               {}

// fakeStream is a scriptable MarketStream.
type fakeStream struct {
	mu        sync.Mutex
	ticks     chan *models.Tick
	errs      chan error
	connected bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		ticks: make(chan *models.Tick, 64),
		errs:  make(chan error, 1),
	}
}

func (s *fakeStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Subscribe(ctx context.Context) error { return nil }

func (s *fakeStream) Read(ctx context.Context) (<-chan *models.Tick, <-chan error) {
	return s.ticks, s.errs
}

func (s *fakeStream) Reconnect(ctx context.Context) error { return s.Connect(ctx) }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// fakeQuotes returns scripted quotes per symbol.
type fakeQuotes struct {
	mu     sync.Mutex
	quotes map[string]*models.Tick
	calls  int
}

func (q *fakeQuotes) Quote(ctx context.Context, symbol string) (*models.Tick, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	t, ok := q.quotes[symbol]
	if !ok {
		return nil, errors.New("no quote")
	}
	cp := *t
	return &cp, nil
}

// recordSink collects ingested ticks.
type recordSink struct {
	mu    sync.Mutex
	ticks []*models.Tick
}

func (s *recordSink) Ingest(t *models.Tick) bool {
	s.mu.Lock()
	s.ticks = append(s.ticks, t)
	s.mu.Unlock()
	return true
}

func (s *recordSink) all() []*models.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Tick, len(s.ticks))
	copy(out, s.ticks)
	return out
}
