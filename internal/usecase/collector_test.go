package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"TickMill/internal/domain/models"
	domrepo "TickMill/internal/domain/repository"
)

func newTestCollector(cfg CollectorConfig, opts ...CollectorOption) (*DualSourceCollector, *fakeStream, *fakeQuotes) {
	stream := newFakeStream()
	quotes := &fakeQuotes{quotes: make(map[string]*models.Tick)}
	c := NewDualSourceCollector(stream, quotes, nopMetrics{}, nil, cfg, opts...)
	return c, stream, quotes
}

type candleCapture struct {
	mu      sync.Mutex
	candles []*models.CandleBucket
}

func (cc *candleCapture) listener() CandleListener {
	return func(_ string, b *models.CandleBucket) {
		cc.mu.Lock()
		cc.candles = append(cc.candles, b)
		cc.mu.Unlock()
	}
}

func (cc *candleCapture) all() []*models.CandleBucket {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	out := make([]*models.CandleBucket, len(cc.candles))
	copy(out, cc.candles)
	return out
}

func TestCollectorAccumulatesOHLCV(t *testing.T) {
	c, _, _ := newTestCollector(CollectorConfig{
		Symbols:  []string{"BTC"},
		Interval: domrepo.IV1m,
	})
	rec := &candleCapture{}
	defer c.Subscribe(rec.listener())()

	prices := []float64{10, 15, 5, 12}
	for i, p := range prices {
		c.Observe(mkTick("BTC", baseMs+int64(i+1)*1000, p), true)
	}
	// Rollover into the next bucket closes the first one.
	c.Observe(mkTick("BTC", baseMs+60_000, 99), true)

	got := rec.all()
	if len(got) != 1 {
		t.Fatalf("finalized candles = %d, want 1", len(got))
	}
	b := got[0]
	if b.Open != 10 || b.High != 15 || b.Low != 5 || b.Close != 12 {
		t.Fatalf("OHLC = %v/%v/%v/%v, want 10/15/5/12", b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume != 4 {
		t.Fatalf("Volume = %d, want 4", b.Volume)
	}
	if b.BucketStartMs != baseMs || b.IntervalSeconds != 60 {
		t.Fatalf("bucket = %d/%ds, want %d/60s", b.BucketStartMs, b.IntervalSeconds, baseMs)
	}
	if b.Source != models.SourceWebsocket {
		t.Fatalf("source = %q, want %q", b.Source, models.SourceWebsocket)
	}

	st := c.Stats()
	if st.CandlesFinalized != 1 || st.OpenBuckets != 1 {
		t.Fatalf("stats = %+v, want finalized=1 open=1", st)
	}
}

func TestCollectorBucketRollover(t *testing.T) {
	c, _, _ := newTestCollector(CollectorConfig{
		Symbols:  []string{"EURUSD"},
		Interval: domrepo.IV1m,
	})
	rec := &candleCapture{}
	defer c.Subscribe(rec.listener())()

	offsets := []int64{1000, 30_000, 59_999, 60_000, 61_000}
	prices := []float64{1.0, 1.1, 1.2, 1.3, 1.4}
	for i := range offsets {
		c.Observe(mkTick("EURUSD", baseMs+offsets[i], prices[i]), true)
	}

	got := rec.all()
	if len(got) != 1 {
		t.Fatalf("finalized candles = %d, want 1", len(got))
	}
	b := got[0]
	if b.BucketStartMs != baseMs {
		t.Fatalf("bucket = %d, want %d", b.BucketStartMs, baseMs)
	}
	if b.Open != 1.0 || b.High != 1.2 || b.Low != 1.0 || b.Close != 1.2 || b.Volume != 3 {
		t.Fatalf("candle = %+v, want O1.0 H1.2 L1.0 C1.2 V3", b)
	}

	// The second bucket stays open until a later observation closes it.
	c.mu.Lock()
	open := c.open["EURUSD"]
	c.mu.Unlock()
	if open == nil || open.BucketStartMs != baseMs+60_000 {
		t.Fatalf("open bucket = %+v, want start %d", open, baseMs+60_000)
	}
	if open.Open != 1.3 || open.Close != 1.4 || open.Volume != 2 {
		t.Fatalf("open bucket = %+v, want O1.3 C1.4 V2", open)
	}
}

func TestCollectorThrottle(t *testing.T) {
	cur := time.UnixMilli(baseMs)
	c, _, _ := newTestCollector(CollectorConfig{
		Symbols:  []string{"BTC"},
		Throttle: 250 * time.Millisecond,
		Interval: domrepo.IV1m,
	}, WithCollectorClock(func() time.Time { return cur }))

	sink := &recordSink{}
	c.AddSink(sink)

	c.Observe(mkTick("BTC", baseMs, 10), true)
	cur = cur.Add(100 * time.Millisecond)
	c.Observe(mkTick("BTC", baseMs+100, 11), true) // inside the gate
	cur = cur.Add(200 * time.Millisecond)
	c.Observe(mkTick("BTC", baseMs+300, 12), true)

	if got := len(sink.all()); got != 2 {
		t.Fatalf("sink ticks = %d, want 2", got)
	}
	if st := c.Stats(); st.Throttled != 1 {
		t.Fatalf("Throttled = %d, want 1", st.Throttled)
	}
}

func TestCollectorThrottleIsPerSymbol(t *testing.T) {
	cur := time.UnixMilli(baseMs)
	c, _, quotes := newTestCollector(CollectorConfig{
		Symbols:         []string{"BTC", "ETH"},
		Throttle:        250 * time.Millisecond,
		ObserverTimeout: 30 * time.Second,
		Interval:        domrepo.IV1m,
	}, WithCollectorClock(func() time.Time { return cur }))
	quotes.quotes["BTC"] = mkTick("BTC", baseMs, 42)
	quotes.quotes["ETH"] = mkTick("ETH", baseMs, 7)

	sink := &recordSink{}
	c.AddSink(sink)

	// One poll pass visits every symbol at the same instant; the gate must
	// not let the first symbol throttle the rest.
	c.PollTick(context.Background())

	got := sink.all()
	if len(got) != 2 {
		t.Fatalf("sink ticks = %d, want 2", len(got))
	}
	seen := map[string]bool{}
	for _, tk := range got {
		seen[tk.Symbol] = true
	}
	if !seen["BTC"] || !seen["ETH"] {
		t.Fatalf("symbols delivered = %v, want BTC and ETH", seen)
	}
	if st := c.Stats(); st.Throttled != 0 {
		t.Fatalf("Throttled = %d, want 0", st.Throttled)
	}

	// The gate still applies within a symbol on the next pass.
	cur = cur.Add(100 * time.Millisecond)
	c.PollTick(context.Background())
	if st := c.Stats(); st.Throttled != 2 {
		t.Fatalf("Throttled after second pass = %d, want 2", st.Throttled)
	}
}

func TestCollectorThrottledPushStillRefreshesHealth(t *testing.T) {
	cur := time.UnixMilli(baseMs)
	c, _, _ := newTestCollector(CollectorConfig{
		Symbols:         []string{"BTC"},
		Throttle:        time.Second,
		ObserverTimeout: 30 * time.Second,
		Interval:        domrepo.IV1m,
	}, WithCollectorClock(func() time.Time { return cur }))

	c.Observe(mkTick("BTC", baseMs, 10), true)
	cur = cur.Add(500 * time.Millisecond)
	c.Observe(mkTick("BTC", baseMs+500, 11), true) // throttled, still proof of life

	if mode := c.evaluateMode(cur.Add(29 * time.Second)); mode != PollIdle {
		t.Fatalf("mode = %q, want %q", mode, PollIdle)
	}
}

func TestCollectorModeSwitches(t *testing.T) {
	cur := time.UnixMilli(baseMs)
	c, _, _ := newTestCollector(CollectorConfig{
		Symbols:         []string{"BTC"},
		ObserverTimeout: 30 * time.Second,
		Interval:        domrepo.IV1m,
	}, WithCollectorClock(func() time.Time { return cur }))

	// Never seen a push observation: degrade to fallback.
	if mode := c.evaluateMode(cur); mode != PollFallback {
		t.Fatalf("mode = %q, want %q", mode, PollFallback)
	}

	c.Observe(mkTick("BTC", baseMs, 10), true)
	if mode := c.evaluateMode(cur.Add(time.Second)); mode != PollIdle {
		t.Fatalf("mode after push = %q, want %q", mode, PollIdle)
	}

	// Push source goes quiet past the timeout.
	if mode := c.evaluateMode(cur.Add(31 * time.Second)); mode != PollFallback {
		t.Fatalf("mode after silence = %q, want %q", mode, PollFallback)
	}

	if st := c.Stats(); st.ModeSwitches != 3 {
		t.Fatalf("ModeSwitches = %d, want 3", st.ModeSwitches)
	}
}

func TestCollectorDuplicateSubscribe(t *testing.T) {
	c, _, _ := newTestCollector(CollectorConfig{
		Symbols:  []string{"BTC"},
		Interval: domrepo.IV1m,
	})

	n := 0
	cb := func(string, *models.CandleBucket) { n++ }

	unsub1 := c.Subscribe(cb)
	unsub2 := c.Subscribe(cb)
	if st := c.Stats(); st.Subscribers != 1 {
		t.Fatalf("Subscribers = %d, want 1", st.Subscribers)
	}

	c.Observe(mkTick("BTC", baseMs, 10), true)
	c.Observe(mkTick("BTC", baseMs+60_000, 11), true)
	if n != 1 {
		t.Fatalf("deliveries = %d, want 1", n)
	}

	unsub1()
	unsub2()
	if st := c.Stats(); st.Subscribers != 0 {
		t.Fatalf("Subscribers after unsubscribe = %d, want 0", st.Subscribers)
	}
}

func TestCollectorSubscriberPanicIsolated(t *testing.T) {
	c, _, _ := newTestCollector(CollectorConfig{
		Symbols:  []string{"BTC"},
		Interval: domrepo.IV1m,
	})

	rec := &candleCapture{}
	defer c.Subscribe(func(string, *models.CandleBucket) { panic("boom") })()
	defer c.Subscribe(rec.listener())()

	c.Observe(mkTick("BTC", baseMs, 10), true)
	c.FinalizeOpenBuckets()

	if got := len(rec.all()); got != 1 {
		t.Fatalf("surviving subscriber deliveries = %d, want 1", got)
	}
}

func TestCollectorPollTick(t *testing.T) {
	c, _, quotes := newTestCollector(CollectorConfig{
		Symbols:         []string{"BTC"},
		ObserverTimeout: 30 * time.Second,
		Interval:        domrepo.IV1m,
	})
	quotes.quotes["BTC"] = mkTick("BTC", baseMs, 42)

	sink := &recordSink{}
	c.AddSink(sink)

	c.PollTick(context.Background())

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("sink ticks = %d, want 1", len(got))
	}
	if got[0].Source != models.SourcePoll {
		t.Fatalf("source = %q, want %q", got[0].Source, models.SourcePoll)
	}
	// No push observation yet, so the poll pass lands in fallback cadence.
	if c.Mode() != PollFallback {
		t.Fatalf("mode = %q, want %q", c.Mode(), PollFallback)
	}
}

func TestCollectorFinalizeOpenBuckets(t *testing.T) {
	c, _, _ := newTestCollector(CollectorConfig{
		Symbols:  []string{"BTC", "ETH"},
		Interval: domrepo.IV1m,
	})
	rec := &candleCapture{}
	defer c.Subscribe(rec.listener())()

	c.Observe(mkTick("BTC", baseMs, 10), true)
	c.Observe(mkTick("ETH", baseMs+1000, 20), true)
	c.FinalizeOpenBuckets()

	if got := len(rec.all()); got != 2 {
		t.Fatalf("finalized candles = %d, want 2", got)
	}
	if st := c.Stats(); st.OpenBuckets != 0 || st.CandlesFinalized != 2 {
		t.Fatalf("stats = %+v, want open=0 finalized=2", st)
	}
}

func TestCollectorStartStop(t *testing.T) {
	c, stream, _ := newTestCollector(CollectorConfig{
		Symbols:              []string{"BTC"},
		ObserverTimeout:      30 * time.Second,
		IdlePollInterval:     time.Hour,
		FallbackPollInterval: time.Hour,
		Interval:             domrepo.IV1m,
	})
	rec := &candleCapture{}
	defer c.Subscribe(rec.listener())()
	sink := &recordSink{}
	c.AddSink(sink)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !stream.IsConnected() {
		t.Fatal("stream not connected after Start")
	}

	stream.ticks <- mkTick("BTC", baseMs, 10)
	waitFor(t, func() bool { return len(sink.all()) == 1 })

	if got := sink.all()[0].Source; got != models.SourcePush {
		t.Fatalf("source = %q, want %q", got, models.SourcePush)
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stream.IsConnected() {
		t.Fatal("stream still connected after Stop")
	}
	// Stop finalizes the session's open bucket.
	if got := len(rec.all()); got != 1 {
		t.Fatalf("finalized candles after Stop = %d, want 1", got)
	}
}

func TestCollectorRestart(t *testing.T) {
	c, stream, _ := newTestCollector(CollectorConfig{
		Symbols:              []string{"BTC"},
		ObserverTimeout:      30 * time.Second,
		IdlePollInterval:     time.Hour,
		FallbackPollInterval: time.Hour,
		Interval:             domrepo.IV1m,
	})
	sink := &recordSink{}
	c.AddSink(sink)

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// A second run gets its own stop channel; the consume loop must keep
	// reading instead of exiting on the previous run's closed channel.
	if err := c.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !stream.IsConnected() {
		t.Fatal("stream not connected after restart")
	}
	stream.ticks <- mkTick("BTC", baseMs, 10)
	waitFor(t, func() bool { return len(sink.all()) == 1 })
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
