package usecase

import (
	"context"
	"reflect"
	"sync"
	"time"

	"TickMill/internal/domain/models"
	domrepo "TickMill/internal/domain/repository"
	applogger "TickMill/pkg/logger"
	"TickMill/pkg/util"
)

// PollMode is the poll cadence axis of the collector state machine.
type PollMode string

const (
	// PollIdle is the slow heartbeat cadence used while the push source is
	// healthy.
	PollIdle PollMode = "idle"
	// PollFallback is the fast cadence used as primary data source while the
	// push source is degraded.
	PollFallback PollMode = "fallback"
)

// CandleListener receives finalized candles, at most once per bucket close,
// in bucket-ascending order per symbol.
type CandleListener func(symbol string, c *models.CandleBucket)

// CollectorConfig holds the merge/cadence knobs of the collector.
type CollectorConfig struct {
	Symbols              []string
	Throttle             time.Duration
	ObserverTimeout      time.Duration
	IdlePollInterval     time.Duration
	FallbackPollInterval time.Duration
	Interval             domrepo.Interval
	SubscriberWarnAt     int
}

// CollectorStats is a read-only snapshot for the monitoring surface.
type CollectorStats struct {
	Mode             PollMode `json:"poll_mode"`
	PushConnected    bool     `json:"push_connected"`
	LastPushMs       int64    `json:"last_push_ms"`
	Throttled        uint64   `json:"throttled"`
	ModeSwitches     uint64   `json:"mode_switches"`
	CandlesFinalized uint64   `json:"candles_finalized"`
	Subscribers      int      `json:"subscribers"`
	OpenBuckets      int      `json:"open_buckets"`
}

// DualSourceCollector merges a push stream and a poll source into one
// deduplicated tick stream per tracked symbol, accumulating live OHLCV
// buckets and finalizing them on rollover. Accepted ticks are mirrored to
// every sink independently of candle emission.
type DualSourceCollector struct {
	stream  domrepo.MarketStream
	quotes  domrepo.QuoteSource
	metrics domrepo.Metrics
	log     *applogger.Logger
	cfg     CollectorConfig
	now     func() time.Time

	mu            sync.Mutex
	sinks         []domrepo.TickSink
	lastPush      time.Time
	lastProcessed map[string]time.Time
	mode          PollMode
	modeSwitches  uint64
	throttled     uint64
	finalized     uint64
	open          map[string]*models.CandleBucket
	subs          map[int]CandleListener
	subPtrs       map[uintptr]int
	nextSubID     int

	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// CollectorOption configures DualSourceCollector.
type CollectorOption func(*DualSourceCollector)

// WithCollectorClock overrides the wall clock (tests).
func WithCollectorClock(now func() time.Time) CollectorOption {
	return func(c *DualSourceCollector) { c.now = now }
}

// NewDualSourceCollector creates a collector over one push stream and one
// poll source.
func NewDualSourceCollector(
	stream domrepo.MarketStream,
	quotes domrepo.QuoteSource,
	metrics domrepo.Metrics,
	log *applogger.Logger,
	cfg CollectorConfig,
	opts ...CollectorOption,
) *DualSourceCollector {
	if cfg.SubscriberWarnAt <= 0 {
		cfg.SubscriberWarnAt = 10
	}
	c := &DualSourceCollector{
		stream:        stream,
		quotes:        quotes,
		metrics:       metrics,
		log:           log,
		cfg:           cfg,
		now:           time.Now,
		mode:          PollIdle,
		lastProcessed: make(map[string]time.Time),
		open:          make(map[string]*models.CandleBucket),
		subs:          make(map[int]CandleListener),
		subPtrs:       make(map[uintptr]int),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddSink registers a tick sink (buffer, mirror pipeline).
func (c *DualSourceCollector) AddSink(s domrepo.TickSink) {
	c.mu.Lock()
	c.sinks = append(c.sinks, s)
	c.mu.Unlock()
}

// Subscribe registers a candle listener and returns its unsubscribe.
// Re-subscribing the identical callback is a no-op returning a working
// unsubscribe for the already-registered entry.
func (c *DualSourceCollector) Subscribe(cb CandleListener) func() {
	ptr := reflect.ValueOf(cb).Pointer()

	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.subPtrs[ptr]; ok {
		if c.log != nil {
			c.log.Warn("duplicate candle subscriber ignored", applogger.Int("id", id))
		}
		return c.unsubscribeFunc(id, ptr)
	}

	c.nextSubID++
	id := c.nextSubID
	c.subs[id] = cb
	c.subPtrs[ptr] = id

	if len(c.subs) > c.cfg.SubscriberWarnAt && c.log != nil {
		c.log.Warn("candle subscriber count above threshold; possible leak",
			applogger.Int("subscribers", len(c.subs)),
			applogger.Int("threshold", c.cfg.SubscriberWarnAt),
		)
	}
	return c.unsubscribeFunc(id, ptr)
}

func (c *DualSourceCollector) unsubscribeFunc(id int, ptr uintptr) func() {
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		if cur, ok := c.subPtrs[ptr]; ok && cur == id {
			delete(c.subPtrs, ptr)
		}
		c.mu.Unlock()
	}
}

// Start connects the push stream and launches the consume and poll loops.
func (c *DualSourceCollector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	// Fresh stop channel per run so a stopped collector can be started again.
	c.stopCh = make(chan struct{})
	stop := c.stopCh
	c.mu.Unlock()

	if err := c.stream.Connect(ctx); err != nil {
		return err
	}
	if err := c.stream.Subscribe(ctx); err != nil {
		return err
	}

	tickCh, errCh := c.stream.Read(ctx)

	c.wg.Add(2)
	go c.consumePush(ctx, stop, tickCh, errCh)
	go c.pollLoop(ctx, stop)
	return nil
}

// Stop halts both loops, closes the stream and finalizes any open buckets.
func (c *DualSourceCollector) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	close(c.stopCh)
	c.mu.Unlock()

	err := c.stream.Close()
	c.wg.Wait()
	c.FinalizeOpenBuckets()
	return err
}

func (c *DualSourceCollector) consumePush(ctx context.Context, stop <-chan struct{}, tickCh <-chan *models.Tick, errCh <-chan error) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case err := <-errCh:
			if err != nil {
				c.metrics.RecordError("stream")
				if c.log != nil {
					c.log.Warn("push stream error; reconnecting", applogger.Error(err))
				}
				_ = c.stream.Reconnect(ctx)
			}
		case t := <-tickCh:
			if t == nil {
				continue
			}
			t.Source = models.SourcePush
			c.Observe(t, true)
		}
	}
}

func (c *DualSourceCollector) pollLoop(ctx context.Context, stop <-chan struct{}) {
	defer c.wg.Done()
	timer := time.NewTimer(c.pollInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-timer.C:
			c.PollTick(ctx)
			timer.Reset(c.pollInterval())
		}
	}
}

func (c *DualSourceCollector) pollInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == PollFallback {
		return c.cfg.FallbackPollInterval
	}
	return c.cfg.IdlePollInterval
}

// PollTick re-evaluates the state machine, then performs one poll pass.
// Exposed so tests can drive the cadence deterministically.
func (c *DualSourceCollector) PollTick(ctx context.Context) {
	c.evaluateMode(c.now())

	for _, sym := range c.cfg.Symbols {
		t, err := c.quotes.Quote(ctx, sym)
		if err != nil {
			c.metrics.RecordError("poll")
			if c.log != nil {
				c.log.Warn("quote poll failed", applogger.String("symbol", sym), applogger.Error(err))
			}
			continue
		}
		if t == nil {
			continue
		}
		t.Source = models.SourcePoll
		c.Observe(t, false)
	}
}

// evaluateMode centralizes all mode transitions: push-health decides the
// poll cadence. A transition is counted and logged, never interrupts
// in-flight work.
func (c *DualSourceCollector) evaluateMode(now time.Time) PollMode {
	c.mu.Lock()
	defer c.mu.Unlock()

	healthy := !c.lastPush.IsZero() && now.Sub(c.lastPush) < c.cfg.ObserverTimeout
	next := PollFallback
	if healthy {
		next = PollIdle
	}
	if next != c.mode {
		c.modeSwitches++
		c.metrics.SetPollMode(next == PollFallback)
		if c.log != nil {
			c.log.Info("poll mode switched",
				applogger.String("from", string(c.mode)),
				applogger.String("to", string(next)),
			)
		}
		c.mode = next
	}
	return c.mode
}

// Mode returns the current poll cadence state.
func (c *DualSourceCollector) Mode() PollMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Observe runs one observation through the throttle gate, the live OHLCV
// accumulator and the tick mirror. A push observation refreshes push-health
// even when the throttle discards it: arrival alone proves liveness.
func (c *DualSourceCollector) Observe(t *models.Tick, fromPush bool) {
	now := c.now()

	c.mu.Lock()
	if fromPush {
		c.lastPush = now
	}
	// The throttle gate is per symbol: one busy symbol must not starve the
	// others within a poll pass.
	if last, ok := c.lastProcessed[t.Symbol]; ok && now.Sub(last) < c.cfg.Throttle {
		c.throttled++
		c.mu.Unlock()
		c.metrics.IncDropped("throttled")
		return
	}
	c.lastProcessed[t.Symbol] = now

	finalized := c.accumulateLocked(t)
	sinks := make([]domrepo.TickSink, len(c.sinks))
	copy(sinks, c.sinks)
	c.mu.Unlock()

	if finalized != nil {
		c.emit(t.Symbol, finalized)
	}

	// Raw tick mirroring is independent of candle emission: losing one
	// pipeline must not lose the other.
	for _, s := range sinks {
		s.Ingest(t)
	}
	c.metrics.RecordLastPrice(t.Symbol, t.Price)
}

// accumulateLocked folds the observation into the symbol's open bucket and
// returns the previous bucket when rollover closes it. Finalization is
// edge-triggered: only a later observation proves a window has ended.
func (c *DualSourceCollector) accumulateLocked(t *models.Tick) *models.CandleBucket {
	intervalMs := c.cfg.Interval.Millis()
	bucketMs := util.BucketStart(t.TimestampMs, intervalMs)

	cur := c.open[t.Symbol]
	if cur == nil {
		c.open[t.Symbol] = models.NewCandleBucket(
			t.Symbol, c.cfg.Interval.Seconds(), bucketMs, t.Price, models.SourceWebsocket)
		return nil
	}
	if cur.BucketStartMs == bucketMs {
		cur.ApplyPrice(t.Price)
		return nil
	}

	c.open[t.Symbol] = models.NewCandleBucket(
		t.Symbol, c.cfg.Interval.Seconds(), bucketMs, t.Price, models.SourceWebsocket)
	c.finalized++
	return cur
}

// FinalizeOpenBuckets closes and emits every open bucket. Called on stop so
// the last bucket of a session is not lost.
func (c *DualSourceCollector) FinalizeOpenBuckets() {
	c.mu.Lock()
	open := c.open
	c.open = make(map[string]*models.CandleBucket)
	c.finalized += uint64(len(open))
	c.mu.Unlock()

	for sym, b := range open {
		c.emit(sym, b)
	}
}

// emit delivers a finalized candle to every subscriber. One misbehaving
// subscriber must not break delivery to the others.
func (c *DualSourceCollector) emit(symbol string, b *models.CandleBucket) {
	c.mu.Lock()
	listeners := make([]CandleListener, 0, len(c.subs))
	for _, cb := range c.subs {
		listeners = append(listeners, cb)
	}
	c.mu.Unlock()

	for _, cb := range listeners {
		c.safeDeliver(cb, symbol, b)
	}
	c.metrics.IncCandlesFinalized(symbol)
}

func (c *DualSourceCollector) safeDeliver(cb CandleListener, symbol string, b *models.CandleBucket) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.RecordError("subscriber_panic")
			if c.log != nil {
				c.log.Error("candle subscriber panicked", applogger.Any("panic", r))
			}
		}
	}()
	cb(symbol, b)
}

// Stats returns a snapshot for the monitoring surface.
func (c *DualSourceCollector) Stats() CollectorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var lastPushMs int64
	if !c.lastPush.IsZero() {
		lastPushMs = c.lastPush.UnixMilli()
	}
	return CollectorStats{
		Mode:             c.mode,
		PushConnected:    c.stream != nil && c.stream.IsConnected(),
		LastPushMs:       lastPushMs,
		Throttled:        c.throttled,
		ModeSwitches:     c.modeSwitches,
		CandlesFinalized: c.finalized,
		Subscribers:      len(c.subs),
		OpenBuckets:      len(c.open),
	}
}
