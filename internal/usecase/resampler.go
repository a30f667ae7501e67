package usecase

import (
	"context"
	"fmt"
	"sort"
	"time"

	"TickMill/internal/domain/models"
	domrepo "TickMill/internal/domain/repository"
	icache "TickMill/internal/service/cache"
	applogger "TickMill/pkg/logger"
	"TickMill/pkg/util"
)

// Resampler lazily materializes fixed-interval candles from raw ticks.
// Range queries answer cache-first, then incrementally recompute from the
// cache high-water mark, then fall back to the legacy bars table. Bucket
// upserts always replace a bucket wholesale from its constituent ticks, so
// repeated calls are idempotent and coverage only grows.
type Resampler struct {
	ticks   domrepo.TickStore
	candles domrepo.CandleStore
	metrics domrepo.Metrics
	log     *applogger.Logger

	// marks memoizes the per-(symbol, interval) high-water mark briefly so
	// bursts of range queries skip the max() store round-trip.
	marks   *icache.TTLCache
	markTTL time.Duration
}

// NewResampler creates a resampling cache over the tick and candle stores.
func NewResampler(ticks domrepo.TickStore, candles domrepo.CandleStore, metrics domrepo.Metrics, log *applogger.Logger, markTTL time.Duration) *Resampler {
	if markTTL <= 0 {
		markTTL = 30 * time.Second
	}
	return &Resampler{
		ticks:   ticks,
		candles: candles,
		metrics: metrics,
		log:     log,
		marks:   icache.NewTTLCache(),
		markTTL: markTTL,
	}
}

// Candles answers a range query for (symbol, interval) over [startMs, endMs].
// force skips the cache-hit tier and recomputes.
func (r *Resampler) Candles(ctx context.Context, symbol string, iv domrepo.Interval, startMs, endMs int64, force bool) ([]*models.CandleBucket, error) {
	began := time.Now()
	intervalMs := iv.Millis()
	// Candle reads are keyed by bucket start, so both bounds align down. Tick
	// scans must keep the caller's raw end: the final bucket's ticks sit
	// between its start and the un-aligned end.
	scanEnd := endMs
	startMs, endMs = util.AlignRangeMs(startMs, endMs, intervalMs)

	if !force {
		cached, err := r.candles.QueryCandles(ctx, symbol, iv.Seconds(), startMs, endMs, models.SourceResampled)
		if err != nil {
			return nil, fmt.Errorf("cache read: %w", err)
		}
		if len(cached) > 0 {
			r.metrics.RecordLatency("resample_cache_hit", time.Since(began).Seconds())
			return cached, nil
		}
	}

	scanStart, haveMark, err := r.highWaterMark(ctx, symbol, iv, force)
	if err != nil {
		return nil, err
	}

	var raw []*models.Tick
	if haveMark {
		// Rescan from the mark's bucket start inclusive: the newest cached
		// bucket may have been partial, and a wholesale recompute from all
		// of its ticks is what keeps volume from drifting.
		raw, err = r.ticks.QueryTicks(ctx, symbol, scanStart, scanEnd)
	} else {
		raw, err = r.ticks.QueryTicks(ctx, symbol, 0, scanEnd)
	}
	if err != nil {
		return nil, fmt.Errorf("tick scan: %w", err)
	}

	if len(raw) == 0 && !haveMark {
		return r.legacyFallback(ctx, symbol, iv, startMs, endMs, scanEnd)
	}

	if len(raw) > 0 {
		buckets := bucketTicks(raw, symbol, iv)
		if err := r.candles.UpsertCandles(ctx, buckets); err != nil {
			return nil, fmt.Errorf("cache write: %w", err)
		}
		r.rememberMark(symbol, iv, buckets[len(buckets)-1].BucketStartMs)
	}

	out, err := r.candles.QueryCandles(ctx, symbol, iv.Seconds(), startMs, endMs, models.SourceResampled)
	if err != nil {
		return nil, fmt.Errorf("cache re-read: %w", err)
	}
	r.metrics.RecordLatency("resample", time.Since(began).Seconds())
	return out, nil
}

// highWaterMark resolves the newest cached bucket start, memoized for
// markTTL. force always asks the store.
func (r *Resampler) highWaterMark(ctx context.Context, symbol string, iv domrepo.Interval, force bool) (int64, bool, error) {
	key := markKey(symbol, iv)
	if !force {
		if v, ok := r.marks.Get(key); ok {
			return v.(int64), true, nil
		}
	}
	mark, ok, err := r.candles.MaxCandleBucketStart(ctx, symbol, iv.Seconds(), models.SourceResampled)
	if err != nil {
		return 0, false, fmt.Errorf("high-water mark: %w", err)
	}
	if ok {
		r.marks.Set(key, mark, r.markTTL)
	}
	return mark, ok, nil
}

func (r *Resampler) rememberMark(symbol string, iv domrepo.Interval, bucketMs int64) {
	r.marks.Set(markKey(symbol, iv), bucketMs, r.markTTL)
}

func markKey(symbol string, iv domrepo.Interval) string {
	return symbol + "|" + string(iv)
}

// legacyFallback buckets rows from the pre-resampling table when no raw
// ticks exist for the symbol. Placeholder rows are filtered before
// bucketing; timestamps are unit-normalized first.
func (r *Resampler) legacyFallback(ctx context.Context, symbol string, iv domrepo.Interval, startMs, endMs, scanEnd int64) ([]*models.CandleBucket, error) {
	bars, err := r.candles.QueryLegacyBars(ctx, symbol, startMs, scanEnd)
	if err != nil {
		return nil, fmt.Errorf("legacy read: %w", err)
	}
	if len(bars) == 0 {
		return nil, nil
	}

	if r.log != nil {
		rep := util.ScanEncodings(legacyTimestamps(bars))
		if rep.Mixed {
			r.log.Warn("legacy bars carry mixed timestamp units",
				applogger.String("symbol", symbol),
				applogger.String("hint", rep.Hint),
			)
		}
	}

	pseudo := make([]*models.Tick, 0, len(bars))
	for _, b := range bars {
		if b.IsPlaceholder() {
			r.metrics.IncDropped("legacy_placeholder")
			continue
		}
		tsMs, err := util.ToEpochMs(b.RawTimestamp)
		if err != nil {
			r.metrics.IncDropped("legacy_timestamp")
			continue
		}
		if tsMs < startMs || tsMs > scanEnd {
			continue
		}
		pseudo = append(pseudo, &models.Tick{
			Symbol:      symbol,
			TimestampMs: tsMs,
			Price:       b.Close,
			Source:      models.SourceHistory,
		})
	}
	if len(pseudo) == 0 {
		return nil, nil
	}

	buckets := bucketTicks(pseudo, symbol, iv)
	if err := r.candles.UpsertCandles(ctx, buckets); err != nil {
		return nil, fmt.Errorf("cache write: %w", err)
	}
	r.rememberMark(symbol, iv, buckets[len(buckets)-1].BucketStartMs)

	return r.candles.QueryCandles(ctx, symbol, iv.Seconds(), startMs, endMs, models.SourceResampled)
}

func legacyTimestamps(bars []*models.LegacyBar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.RawTimestamp
	}
	return out
}

// bucketTicks groups chronologically ascending ticks into candles: open is
// the first sample of the bucket, close the last, high/low the extrema,
// volume the sample count. Output ascends by bucket start.
func bucketTicks(ticks []*models.Tick, symbol string, iv domrepo.Interval) []*models.CandleBucket {
	intervalMs := iv.Millis()
	byBucket := make(map[int64]*models.CandleBucket)

	for _, t := range ticks {
		bucketMs := util.BucketStart(t.TimestampMs, intervalMs)
		if b, ok := byBucket[bucketMs]; ok {
			b.ApplyPrice(t.Price)
		} else {
			byBucket[bucketMs] = models.NewCandleBucket(
				symbol, iv.Seconds(), bucketMs, t.Price, models.SourceResampled)
		}
	}

	starts := make([]int64, 0, len(byBucket))
	for s := range byBucket {
		starts = append(starts, s)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	out := make([]*models.CandleBucket, len(starts))
	for i, s := range starts {
		out[i] = byBucket[s]
	}
	return out
}
