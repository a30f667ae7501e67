package usecase

import (
	"context"
	"testing"
	"time"

	"TickMill/internal/domain/models"
)

func mkTick(sym string, ts int64, price float64) *models.Tick {
	return &models.Tick{Symbol: sym, TimestampMs: ts, Price: price, Source: models.SourcePush}
}

// bucket-aligned millisecond epoch used across tests
const baseMs = int64(1_680_000_000_000)

func newTestBuffer(store *memTickStore, policy BufferPolicy, opts ...BufferOption) *TickBuffer {
	return NewTickBuffer(store, nopMetrics{}, nil, policy, opts...)
}

func TestTickBufferSamplingGate(t *testing.T) {
	store := &memTickStore{}
	b := newTestBuffer(store, BufferPolicy{
		SampleInterval: 500 * time.Millisecond,
		BatchSize:      1000,
		FlushInterval:  time.Hour,
	})

	accepted := 0
	for _, off := range []int64{0, 100, 400, 600, 900} {
		if b.Ingest(mkTick("BTC", baseMs+off, 100)) {
			accepted++
		}
	}
	if accepted != 2 {
		t.Fatalf("accepted = %d, want 2", accepted)
	}

	st := b.Stats()
	if st.Accepted != 2 || st.Dropped != 3 || st.Pending != 2 {
		t.Fatalf("stats = %+v, want accepted=2 dropped=3 pending=2", st)
	}
}

func TestTickBufferSamplingIsPerSymbol(t *testing.T) {
	store := &memTickStore{}
	b := newTestBuffer(store, BufferPolicy{
		SampleInterval: 500 * time.Millisecond,
		BatchSize:      1000,
		FlushInterval:  time.Hour,
	})

	if !b.Ingest(mkTick("BTC", baseMs, 100)) {
		t.Fatal("first BTC tick rejected")
	}
	// Same timestamp, different symbol: each symbol has its own gate.
	if !b.Ingest(mkTick("ETH", baseMs, 200)) {
		t.Fatal("first ETH tick rejected")
	}
	if b.Ingest(mkTick("BTC", baseMs+100, 101)) {
		t.Fatal("BTC tick inside sample window accepted")
	}
}

func TestTickBufferRejectsInvalid(t *testing.T) {
	store := &memTickStore{}
	b := newTestBuffer(store, BufferPolicy{BatchSize: 1000, FlushInterval: time.Hour})

	cases := []*models.Tick{
		nil,
		{Symbol: "", TimestampMs: baseMs, Price: 1},
		{Symbol: "BTC", TimestampMs: -5, Price: 1},
	}
	for i, tc := range cases {
		if b.Ingest(tc) {
			t.Fatalf("case %d: invalid tick accepted", i)
		}
	}
	if st := b.Stats(); st.Dropped != uint64(len(cases)) || st.Pending != 0 {
		t.Fatalf("stats = %+v, want dropped=%d pending=0", st, len(cases))
	}
}

func TestTickBufferAcceptsEpochZero(t *testing.T) {
	store := &memTickStore{}
	b := newTestBuffer(store, BufferPolicy{
		SampleInterval: 500 * time.Millisecond,
		BatchSize:      1000,
		FlushInterval:  time.Hour,
	})

	// A tick at the epoch origin is a valid timestamp and also seeds the
	// sampling gate for its symbol.
	var got []int64
	for _, ts := range []int64{0, 100, 250, 600, 1000} {
		if b.Ingest(mkTick("BTC", ts, 100)) {
			got = append(got, ts)
		}
	}
	want := []int64{0, 600}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("accepted = %v, want %v", got, want)
	}
	if st := b.Stats(); st.Accepted != 2 || st.Dropped != 3 {
		t.Fatalf("stats = %+v, want accepted=2 dropped=3", st)
	}
}

func TestTickBufferFlushWritesBatch(t *testing.T) {
	store := &memTickStore{}
	b := newTestBuffer(store, BufferPolicy{
		SampleInterval: time.Millisecond,
		BatchSize:      1000,
		FlushInterval:  time.Hour,
	})

	for i := int64(0); i < 5; i++ {
		b.Ingest(mkTick("BTC", baseMs+i*1000, float64(100+i)))
	}

	n := b.Flush(context.Background())
	if n != 5 {
		t.Fatalf("Flush = %d, want 5", n)
	}
	if store.len() != 5 {
		t.Fatalf("store rows = %d, want 5", store.len())
	}
	if again := b.Flush(context.Background()); again != 0 {
		t.Fatalf("second Flush = %d, want 0", again)
	}
	if st := b.Stats(); st.Flushed != 5 || st.Pending != 0 {
		t.Fatalf("stats = %+v, want flushed=5 pending=0", st)
	}
}

func TestTickBufferEagerFlushOnBatchSize(t *testing.T) {
	store := &memTickStore{}
	b := newTestBuffer(store, BufferPolicy{
		SampleInterval: time.Millisecond,
		BatchSize:      2,
		FlushInterval:  time.Hour,
	})

	b.Ingest(mkTick("BTC", baseMs, 100))
	b.Ingest(mkTick("BTC", baseMs+1000, 101))

	waitFor(t, func() bool { return store.len() == 2 })
}

func TestTickBufferTimedFlush(t *testing.T) {
	store := &memTickStore{}
	b := newTestBuffer(store, BufferPolicy{
		SampleInterval: time.Millisecond,
		BatchSize:      1000,
		FlushInterval:  50 * time.Millisecond,
	})

	b.Ingest(mkTick("BTC", baseMs, 100))

	waitFor(t, func() bool { return store.len() == 1 })
}

func TestTickBufferFlushFailureRequeues(t *testing.T) {
	store := &memTickStore{failUpserts: 1}
	b := newTestBuffer(store, BufferPolicy{
		SampleInterval: time.Millisecond,
		BatchSize:      1000,
		FlushInterval:  time.Hour,
	})

	b.Ingest(mkTick("BTC", baseMs, 100))
	b.Ingest(mkTick("BTC", baseMs+1000, 101))

	if n := b.Flush(context.Background()); n != 0 {
		t.Fatalf("failed Flush = %d, want 0", n)
	}
	st := b.Stats()
	if st.FlushErrors != 1 || st.Pending != 2 {
		t.Fatalf("stats after failure = %+v, want flush_errors=1 pending=2", st)
	}

	if n := b.Flush(context.Background()); n != 2 {
		t.Fatalf("retry Flush = %d, want 2", n)
	}
	if store.len() != 2 {
		t.Fatalf("store rows = %d, want 2", store.len())
	}
}

func TestTickBufferRedeliveredBatchIsIdempotent(t *testing.T) {
	store := &memTickStore{}
	b := newTestBuffer(store, BufferPolicy{
		SampleInterval: time.Millisecond,
		BatchSize:      1000,
		FlushInterval:  time.Hour,
	})

	b.Ingest(mkTick("BTC", baseMs, 100))
	b.Ingest(mkTick("BTC", baseMs+1000, 101))
	if n := b.Flush(context.Background()); n != 2 {
		t.Fatalf("Flush = %d, want 2", n)
	}

	// A flush that failed after the write landed gets retried with the same
	// batch; the identity-keyed upsert must not duplicate rows.
	redelivered := []*models.Tick{
		mkTick("BTC", baseMs, 100),
		mkTick("BTC", baseMs+1000, 105),
	}
	if err := store.UpsertTicks(context.Background(), redelivered); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if store.len() != 2 {
		t.Fatalf("store rows after redelivery = %d, want 2", store.len())
	}
	rows, err := store.QueryTicks(context.Background(), "BTC", baseMs, baseMs+1000)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rows[1].Price != 105 {
		t.Fatalf("redelivered row price = %v, want 105", rows[1].Price)
	}
}

func TestTickBufferRequeueBound(t *testing.T) {
	store := &memTickStore{}
	b := newTestBuffer(store, BufferPolicy{
		SampleInterval: time.Millisecond,
		BatchSize:      3,
		FlushInterval:  time.Hour,
	})

	b.pending = []*models.Tick{
		mkTick("BTC", baseMs+3000, 103),
		mkTick("BTC", baseMs+4000, 104),
	}
	failed := []*models.Tick{
		mkTick("BTC", baseMs+1000, 101),
		mkTick("BTC", baseMs+2000, 102),
	}
	b.requeue(failed)

	st := b.Stats()
	if st.Pending != 3 || st.Overflow != 1 {
		t.Fatalf("stats = %+v, want pending=3 overflow=1", st)
	}
	// Oldest tick of the failed batch is the one sacrificed.
	if b.pending[0].TimestampMs != baseMs+2000 {
		t.Fatalf("head of queue = %d, want %d", b.pending[0].TimestampMs, baseMs+2000)
	}
}

func TestTickBufferStopFlushes(t *testing.T) {
	store := &memTickStore{}
	b := newTestBuffer(store, BufferPolicy{
		SampleInterval:    time.Millisecond,
		BatchSize:         1000,
		FlushInterval:     time.Hour,
		RetentionInterval: time.Hour,
	})

	b.Start(context.Background())
	b.Ingest(mkTick("BTC", baseMs, 100))
	b.Stop(context.Background())

	if store.len() != 1 {
		t.Fatalf("store rows after Stop = %d, want 1", store.len())
	}
}

func TestTickBufferRestart(t *testing.T) {
	store := &memTickStore{}
	now := time.UnixMilli(baseMs)
	b := newTestBuffer(store, BufferPolicy{
		SampleInterval:    time.Millisecond,
		BatchSize:         1000,
		FlushInterval:     time.Hour,
		MaxAge:            time.Hour,
		MaxTicks:          1000,
		RetentionInterval: 20 * time.Millisecond,
	}, WithBufferClock(func() time.Time { return now }))

	ctx := context.Background()
	b.Start(ctx)
	b.Stop(ctx)

	// A second run gets its own stop channel; the retention loop must keep
	// sweeping instead of exiting on the previous run's closed channel.
	b.Start(ctx)
	if err := store.UpsertTicks(ctx, []*models.Tick{
		mkTick("BTC", baseMs-2*time.Hour.Milliseconds(), 90),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	waitFor(t, func() bool { return store.len() == 0 })
	b.Stop(ctx)
}

func TestTickBufferRetention(t *testing.T) {
	store := &memTickStore{}
	now := time.UnixMilli(baseMs)
	b := newTestBuffer(store, BufferPolicy{
		BatchSize:     1000,
		FlushInterval: time.Hour,
		MaxAge:        time.Hour,
		MaxTicks:      2,
	}, WithBufferClock(func() time.Time { return now }))

	old := baseMs - 2*time.Hour.Milliseconds()
	fresh := baseMs - 10*time.Minute.Milliseconds()
	seed := []*models.Tick{
		mkTick("BTC", old, 90),
		mkTick("BTC", old+1000, 91),
		mkTick("BTC", fresh, 100),
		mkTick("BTC", fresh+1000, 101),
		mkTick("BTC", fresh+2000, 102),
	}
	if err := store.UpsertTicks(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res := b.RunRetention(context.Background())
	if res.AgeDeleted != 2 {
		t.Fatalf("AgeDeleted = %d, want 2", res.AgeDeleted)
	}
	if res.CapDeleted != 1 {
		t.Fatalf("CapDeleted = %d, want 1", res.CapDeleted)
	}
	if store.len() != 2 {
		t.Fatalf("store rows = %d, want 2", store.len())
	}
	if st := b.Stats(); st.RetentionDeleted != 3 {
		t.Fatalf("RetentionDeleted = %d, want 3", st.RetentionDeleted)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
