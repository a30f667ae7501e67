package usecase

import (
	"context"
	"sync"
	"time"

	"TickMill/internal/domain/models"
	domrepo "TickMill/internal/domain/repository"
	applogger "TickMill/pkg/logger"
)

// BufferPolicy holds the sampling, batching and retention knobs of the
// tick buffer.
type BufferPolicy struct {
	SampleInterval    time.Duration
	BatchSize         int
	FlushInterval     time.Duration
	MaxTicks          int64
	MaxAge            time.Duration
	RetentionInterval time.Duration
}

// BufferStats is a read-only snapshot of buffer state and counters.
type BufferStats struct {
	Pending          int          `json:"pending"`
	Accepted         uint64       `json:"accepted"`
	Dropped          uint64       `json:"dropped"`
	Overflow         uint64       `json:"overflow"`
	Flushed          uint64       `json:"flushed"`
	FlushErrors      uint64       `json:"flush_errors"`
	RetentionDeleted uint64       `json:"retention_deleted"`
	Policy           BufferPolicy `json:"policy"`
}

// RetentionResult reports one sweep's deletions.
type RetentionResult struct {
	AgeDeleted int64 `json:"age_deleted"`
	CapDeleted int64 `json:"cap_deleted"`
}

// TickBuffer owns the pending tick queue. It applies a per-symbol sampling
// gate on ingest, flushes batches to the store (eagerly on size, or on a
// timer for bounded staleness) and sweeps retention periodically. Ingest
// never blocks on store I/O and never returns an error; bad input is
// rejected and counted.
type TickBuffer struct {
	store   domrepo.TickStore
	metrics domrepo.Metrics
	log     *applogger.Logger
	policy  BufferPolicy
	onError func(error)
	now     func() time.Time

	mu           sync.Mutex
	pending      []*models.Tick
	lastAccepted map[string]int64
	flushTimer   *time.Timer

	accepted         uint64
	dropped          uint64
	overflow         uint64
	flushed          uint64
	flushErrors      uint64
	retentionDeleted uint64

	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// BufferOption configures TickBuffer.
type BufferOption func(*TickBuffer)

// WithErrorCallback sets the callback invoked after a failed flush.
func WithErrorCallback(fn func(error)) BufferOption {
	return func(b *TickBuffer) { b.onError = fn }
}

// WithBufferClock overrides the wall clock (tests).
func WithBufferClock(now func() time.Time) BufferOption {
	return func(b *TickBuffer) { b.now = now }
}

// NewTickBuffer creates a tick buffer with the given policy.
func NewTickBuffer(store domrepo.TickStore, metrics domrepo.Metrics, log *applogger.Logger, policy BufferPolicy, opts ...BufferOption) *TickBuffer {
	if policy.BatchSize <= 0 {
		policy.BatchSize = 200
	}
	if policy.FlushInterval <= 0 {
		policy.FlushInterval = 5 * time.Second
	}
	b := &TickBuffer{
		store:        store,
		metrics:      metrics,
		log:          log,
		policy:       policy,
		now:          time.Now,
		lastAccepted: make(map[string]int64),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ingest applies validation and the sampling gate, then queues the tick.
// Returns false (and counts the drop) when the tick is rejected.
func (b *TickBuffer) Ingest(t *models.Tick) bool {
	if err := t.Validate(); err != nil {
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		b.metrics.IncDropped("validation")
		return false
	}

	b.mu.Lock()
	if last, ok := b.lastAccepted[t.Symbol]; ok {
		if t.TimestampMs-last < b.policy.SampleInterval.Milliseconds() {
			b.dropped++
			b.mu.Unlock()
			b.metrics.IncDropped("sampled")
			return false
		}
	}
	b.lastAccepted[t.Symbol] = t.TimestampMs
	b.pending = append(b.pending, t)
	b.accepted++
	size := len(b.pending)

	if size >= b.policy.BatchSize {
		// Eager size-based flush; cancel any scheduled timed flush.
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.mu.Unlock()
		go b.flushAsync()
	} else {
		if b.flushTimer == nil {
			b.flushTimer = time.AfterFunc(b.policy.FlushInterval, b.flushAsync)
		}
		b.mu.Unlock()
	}

	b.metrics.IncAccepted(t.Symbol)
	b.metrics.SetBufferSize(size)
	return true
}

func (b *TickBuffer) flushAsync() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = b.Flush(ctx)
}

// Flush drains the pending queue and writes it as one idempotent batch
// upsert. On store failure the batch is requeued at the front, bounded to
// BatchSize; the excess is counted as overflow loss. Returns the number of
// ticks written (0 on failure or empty queue).
func (b *TickBuffer) Flush(ctx context.Context) int {
	b.mu.Lock()
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	start := time.Now()
	err := b.store.UpsertTicks(ctx, batch)
	b.metrics.RecordLatency("flush", time.Since(start).Seconds())

	if err != nil {
		b.requeue(batch)
		b.metrics.RecordError("flush")
		if b.log != nil {
			b.log.Error("tick flush failed",
				applogger.Int("batch", len(batch)),
				applogger.Error(err),
			)
		}
		if b.onError != nil {
			b.onError(err)
		}
		return 0
	}

	b.mu.Lock()
	b.flushed += uint64(len(batch))
	size := len(b.pending)
	b.mu.Unlock()

	b.metrics.IncFlushed(len(batch))
	b.metrics.SetBufferSize(size)
	return len(batch)
}

// requeue pushes a failed batch back to the front of the queue. Anything
// beyond BatchSize is dropped oldest-first: bounded, explicit loss under a
// sustained store outage instead of unbounded memory growth.
func (b *TickBuffer) requeue(batch []*models.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.flushErrors++
	combined := append(batch, b.pending...)
	if lost := len(combined) - b.policy.BatchSize; lost > 0 {
		b.overflow += uint64(lost)
		combined = combined[lost:]
		b.metrics.IncDropped("overflow")
	}
	b.pending = combined
	b.metrics.SetBufferSize(len(b.pending))
}

// Start arms the periodic retention sweep. Idempotent.
func (b *TickBuffer) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	// Fresh stop channel per run so a stopped buffer can be started again.
	b.stopCh = make(chan struct{})
	stop := b.stopCh
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.policy.RetentionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.RunRetention(ctx)
			}
		}
	}()
}

// Stop disarms the flush and retention timers and performs one final
// synchronous flush so accepted ticks are not dropped on shutdown.
func (b *TickBuffer) Stop(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.started = false
		close(b.stopCh)
	}
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.mu.Unlock()

	b.wg.Wait()
	_ = b.Flush(ctx)
}

// RunRetention deletes rows older than MaxAge, then trims the store down to
// MaxTicks rows. Failures are logged and retried on the next sweep, never
// raised.
func (b *TickBuffer) RunRetention(ctx context.Context) RetentionResult {
	var res RetentionResult

	cutoff := b.now().Add(-b.policy.MaxAge).UnixMilli()
	n, err := b.store.DeleteTicksOlderThan(ctx, cutoff)
	if err != nil {
		b.metrics.RecordError("retention_age")
		if b.log != nil {
			b.log.Error("retention age sweep failed", applogger.Error(err))
		}
	} else {
		res.AgeDeleted = n
	}

	n, err = b.store.DeleteOldestTicksToLimit(ctx, b.policy.MaxTicks)
	if err != nil {
		b.metrics.RecordError("retention_cap")
		if b.log != nil {
			b.log.Error("retention cap sweep failed", applogger.Error(err))
		}
	} else {
		res.CapDeleted = n
	}

	total := res.AgeDeleted + res.CapDeleted
	if total > 0 {
		b.mu.Lock()
		b.retentionDeleted += uint64(total)
		b.mu.Unlock()
		b.metrics.IncRetentionDeleted(int(total))
	}
	return res
}

// Stats returns a snapshot of counters and the active policy. The live
// queue is never exposed.
func (b *TickBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Pending:          len(b.pending),
		Accepted:         b.accepted,
		Dropped:          b.dropped,
		Overflow:         b.overflow,
		Flushed:          b.flushed,
		FlushErrors:      b.flushErrors,
		RetentionDeleted: b.retentionDeleted,
		Policy:           b.policy,
	}
}

var _ domrepo.TickSink = (*TickBuffer)(nil)
