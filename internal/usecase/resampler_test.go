package usecase

import (
	"context"
	"testing"
	"time"

	"TickMill/internal/domain/models"
	domrepo "TickMill/internal/domain/repository"
)

func newTestResampler(ts *memTickStore, cs *memCandleStore) *Resampler {
	return NewResampler(ts, cs, nopMetrics{}, nil, time.Minute)
}

func TestResamplerCacheHit(t *testing.T) {
	ts := &memTickStore{}
	cs := newMemCandleStore()
	seed := models.NewCandleBucket("BTC", 60, baseMs, 100, models.SourceResampled)
	if err := cs.UpsertCandles(context.Background(), []*models.CandleBucket{seed}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := newTestResampler(ts, cs)
	out, err := r.Candles(context.Background(), "BTC", domrepo.IV1m, baseMs, baseMs+60_000, false)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(out) != 1 || out[0].Open != 100 {
		t.Fatalf("out = %+v, want the seeded candle", out)
	}
	// A cache hit answers without recomputing.
	if cs.upserts != 1 {
		t.Fatalf("candle upserts = %d, want 1 (seed only)", cs.upserts)
	}
}

func TestResamplerComputesFromTicks(t *testing.T) {
	ts := &memTickStore{}
	cs := newMemCandleStore()
	seed := []*models.Tick{
		mkTick("BTC", baseMs+1000, 10),
		mkTick("BTC", baseMs+2000, 15),
		mkTick("BTC", baseMs+3000, 5),
		mkTick("BTC", baseMs+4000, 12),
		mkTick("BTC", baseMs+61_000, 20),
	}
	if err := ts.UpsertTicks(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := newTestResampler(ts, cs)
	out, err := r.Candles(context.Background(), "BTC", domrepo.IV1m, baseMs, baseMs+120_000, false)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("candles = %d, want 2", len(out))
	}
	c0, c1 := out[0], out[1]
	if c0.Open != 10 || c0.High != 15 || c0.Low != 5 || c0.Close != 12 || c0.Volume != 4 {
		t.Fatalf("first candle = %+v, want O10 H15 L5 C12 V4", c0)
	}
	if c1.BucketStartMs != baseMs+60_000 || c1.Open != 20 || c1.Volume != 1 {
		t.Fatalf("second candle = %+v, want bucket %d O20 V1", c1, baseMs+60_000)
	}
	for _, c := range out {
		if c.Source != models.SourceResampled {
			t.Fatalf("source = %q, want %q", c.Source, models.SourceResampled)
		}
	}
}

func TestResamplerScansFinalPartialBucket(t *testing.T) {
	ts := &memTickStore{}
	cs := newMemCandleStore()
	seed := []*models.Tick{
		mkTick("BTC", baseMs+61_000, 20),
		mkTick("BTC", baseMs+61_200, 21),
	}
	if err := ts.UpsertTicks(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// The range ends mid-bucket. The final bucket's ticks sit past the
	// aligned end, so the raw scan must run to the caller's end.
	r := newTestResampler(ts, cs)
	out, err := r.Candles(context.Background(), "BTC", domrepo.IV1m, baseMs, baseMs+61_500, false)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("candles = %d, want 1", len(out))
	}
	c := out[0]
	if c.BucketStartMs != baseMs+60_000 {
		t.Fatalf("bucket = %d, want %d", c.BucketStartMs, baseMs+60_000)
	}
	if c.Open != 20 || c.Close != 21 || c.Volume != 2 {
		t.Fatalf("candle = %+v, want O20 C21 V2", c)
	}
}

func TestResamplerIdempotentRecompute(t *testing.T) {
	ts := &memTickStore{}
	cs := newMemCandleStore()
	seed := []*models.Tick{
		mkTick("BTC", baseMs+1000, 10),
		mkTick("BTC", baseMs+2000, 15),
		mkTick("BTC", baseMs+61_000, 20),
	}
	if err := ts.UpsertTicks(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := newTestResampler(ts, cs)
	first, err := r.Candles(context.Background(), "BTC", domrepo.IV1m, baseMs, baseMs+120_000, true)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := r.Candles(context.Background(), "BTC", domrepo.IV1m, baseMs, baseMs+120_000, true)
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if *first[i] != *second[i] {
			t.Fatalf("candle %d drifted: %+v vs %+v", i, first[i], second[i])
		}
	}
	// Volume must not inflate across recomputes of the same window.
	if second[1].Volume != 1 {
		t.Fatalf("volume = %d, want 1", second[1].Volume)
	}
}

func TestResamplerForcePicksUpNewTicks(t *testing.T) {
	ts := &memTickStore{}
	cs := newMemCandleStore()
	if err := ts.UpsertTicks(context.Background(), []*models.Tick{
		mkTick("BTC", baseMs+61_000, 20),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := newTestResampler(ts, cs)
	if _, err := r.Candles(context.Background(), "BTC", domrepo.IV1m, baseMs, baseMs+120_000, true); err != nil {
		t.Fatalf("first: %v", err)
	}

	if err := ts.UpsertTicks(context.Background(), []*models.Tick{
		mkTick("BTC", baseMs+62_000, 25),
	}); err != nil {
		t.Fatalf("late tick: %v", err)
	}

	out, err := r.Candles(context.Background(), "BTC", domrepo.IV1m, baseMs, baseMs+120_000, true)
	if err != nil {
		t.Fatalf("forced: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("candles = %d, want 1", len(out))
	}
	c := out[0]
	if c.High != 25 || c.Close != 25 || c.Volume != 2 {
		t.Fatalf("candle = %+v, want H25 C25 V2", c)
	}
}

func TestResamplerLegacyFallback(t *testing.T) {
	ts := &memTickStore{}
	cs := newMemCandleStore()
	baseSec := float64(baseMs / 1000)
	cs.legacy = []*models.LegacyBar{
		{Symbol: "BTC", RawTimestamp: baseSec + 10, Open: 0, High: 0, Low: 0, Close: 0}, // placeholder
		{Symbol: "BTC", RawTimestamp: baseSec + 30, Open: 42.5, High: 42.5, Low: 42.5, Close: 42.5},
		{Symbol: "BTC", RawTimestamp: baseSec + 90, Open: 43.5, High: 43.5, Low: 43.5, Close: 43.5},
	}

	r := newTestResampler(ts, cs)
	out, err := r.Candles(context.Background(), "BTC", domrepo.IV1m, baseMs, baseMs+120_000, false)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("candles = %d, want 2 (placeholder filtered)", len(out))
	}
	if out[0].BucketStartMs != baseMs || out[0].Close != 42.5 {
		t.Fatalf("first candle = %+v, want bucket %d close 42.5", out[0], baseMs)
	}
	if out[1].BucketStartMs != baseMs+60_000 || out[1].Close != 43.5 {
		t.Fatalf("second candle = %+v, want bucket %d close 43.5", out[1], baseMs+60_000)
	}
	for _, c := range out {
		if c.Source != models.SourceResampled {
			t.Fatalf("source = %q, want %q", c.Source, models.SourceResampled)
		}
	}
}

func TestResamplerEmptyResult(t *testing.T) {
	r := newTestResampler(&memTickStore{}, newMemCandleStore())
	out, err := r.Candles(context.Background(), "BTC", domrepo.IV1m, baseMs, baseMs+60_000, false)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("candles = %d, want 0", len(out))
	}
}

func TestBucketTicksOrdersAscending(t *testing.T) {
	ticks := []*models.Tick{
		mkTick("BTC", baseMs+120_500, 30),
		mkTick("BTC", baseMs+500, 10),
		mkTick("BTC", baseMs+60_500, 20),
	}
	out := bucketTicks(ticks, "BTC", domrepo.IV1m)
	if len(out) != 3 {
		t.Fatalf("buckets = %d, want 3", len(out))
	}
	for i := 1; i < len(out); i++ {
		if out[i].BucketStartMs <= out[i-1].BucketStartMs {
			t.Fatalf("buckets not ascending: %d then %d", out[i-1].BucketStartMs, out[i].BucketStartMs)
		}
	}
	if out[0].Open != 10 || out[1].Open != 20 || out[2].Open != 30 {
		t.Fatalf("opens = %v/%v/%v, want 10/20/30", out[0].Open, out[1].Open, out[2].Open)
	}
}
