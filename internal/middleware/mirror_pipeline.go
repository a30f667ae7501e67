package middleware

import (
	"context"
	"sync"
	"time"

	"TickMill/internal/domain/models"
	domrepo "TickMill/internal/domain/repository"
)

// MirrorPipeline sits between the collector's tick mirror and the Kafka
// publisher. Publish failures buffer the tick and retry in the background
// with backoff, so a broker outage never blocks ingestion; when the buffer
// fills, the oldest mirrored ticks are dropped and counted.
type MirrorPipeline struct {
	pub     domrepo.Publisher
	metrics domrepo.Metrics
	bufSize int
	bufCh   chan *models.Tick
	stopCh  chan struct{}
	started bool
	mu      sync.Mutex
}

type MirrorOption func(*MirrorPipeline)

// WithMirrorBufferSize sets the retry buffer capacity.
func WithMirrorBufferSize(n int) MirrorOption {
	return func(p *MirrorPipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// NewMirrorPipeline creates a buffered mirror forwarder.
func NewMirrorPipeline(pub domrepo.Publisher, metrics domrepo.Metrics, opts ...MirrorOption) *MirrorPipeline {
	p := &MirrorPipeline{
		pub:     pub,
		metrics: metrics,
		bufSize: 2000,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bufCh = make(chan *models.Tick, p.bufSize)
	return p
}

// Start launches background draining of buffered ticks.
func (p *MirrorPipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		backoff := 50 * time.Millisecond
		for {
			select {
			case <-p.stopCh:
				return
			case t := <-p.bufCh:
				if t == nil {
					continue
				}
				if err := p.pub.Publish(ctx, t); err != nil {
					if backoff < 2*time.Second {
						backoff *= 2
					}
					p.metrics.RecordError("mirror_flush")
					time.Sleep(backoff)
					select {
					case p.bufCh <- t:
					default:
						p.metrics.RecordError("mirror_buffer_drop")
					}
				} else {
					backoff = 50 * time.Millisecond
				}
			}
		}
	}()
}

// Stop halts the background drain.
func (p *MirrorPipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()
	close(p.stopCh)
}

// Ingest enqueues one tick for publishing. It never blocks the caller: the
// background drain owns all broker I/O. It implements TickSink so the
// collector can mirror into it directly.
func (p *MirrorPipeline) Ingest(t *models.Tick) bool {
	if t == nil {
		return false
	}
	select {
	case p.bufCh <- t:
		return true
	default:
		p.metrics.RecordError("mirror_buffer_full")
		return false
	}
}

var _ domrepo.TickSink = (*MirrorPipeline)(nil)
