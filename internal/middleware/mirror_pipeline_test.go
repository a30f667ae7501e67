package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"TickMill/internal/domain/models"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []*models.Tick
	fail      bool
}

func (p *fakePublisher) Publish(ctx context.Context, t *models.Tick) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.published = append(p.published, t)
	return nil
}

func (p *fakePublisher) PublishBatch(ctx context.Context, ticks []*models.Tick) error {
	for _, t := range ticks {
		if err := p.Publish(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *fakePublisher) setFail(v bool) {
	p.mu.Lock()
	p.fail = v
	p.mu.Unlock()
}

type countMetrics struct {
	mu     sync.Mutex
	errors map[string]int
}

func (m *countMetrics) IncAccepted(string)              {}
func (m *countMetrics) IncDropped(string)               {}
func (m *countMetrics) IncFlushed(int)                  {}
func (m *countMetrics) IncRetentionDeleted(int)         {}
func (m *countMetrics) IncCandlesFinalized(string)      {}
func (m *countMetrics) RecordLastPrice(string, float64) {}
func (m *countMetrics) RecordLatency(string, float64)   {}
func (m *countMetrics) SetBufferSize(int)               {}
func (m *countMetrics) SetPollMode(bool)                {}

func (m *countMetrics) RecordError(kind string) {
	m.mu.Lock()
	if m.errors == nil {
		m.errors = make(map[string]int)
	}
	m.errors[kind]++
	m.mu.Unlock()
}

func (m *countMetrics) errCount(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors[kind]
}

func TestMirrorPipelineForwards(t *testing.T) {
	pub := &fakePublisher{}
	p := NewMirrorPipeline(pub, &countMetrics{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	for i := 0; i < 3; i++ {
		if !p.Ingest(&models.Tick{Symbol: "BTC", TimestampMs: int64(i + 1), Price: 10}) {
			t.Fatalf("tick %d rejected", i)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for pub.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pub.count() != 3 {
		t.Fatalf("published = %d, want 3", pub.count())
	}
}

func TestMirrorPipelineNeverBlocksWhenFull(t *testing.T) {
	pub := &fakePublisher{}
	m := &countMetrics{}
	p := NewMirrorPipeline(pub, m, WithMirrorBufferSize(2))

	// Drain not started: buffer fills, further ingest drops instead of
	// blocking the caller.
	if !p.Ingest(&models.Tick{Symbol: "BTC", TimestampMs: 1, Price: 10}) {
		t.Fatal("first tick rejected")
	}
	if !p.Ingest(&models.Tick{Symbol: "BTC", TimestampMs: 2, Price: 11}) {
		t.Fatal("second tick rejected")
	}
	if p.Ingest(&models.Tick{Symbol: "BTC", TimestampMs: 3, Price: 12}) {
		t.Fatal("tick accepted past buffer capacity")
	}
	if m.errCount("mirror_buffer_full") != 1 {
		t.Fatalf("mirror_buffer_full = %d, want 1", m.errCount("mirror_buffer_full"))
	}
}

func TestMirrorPipelineRetriesAfterOutage(t *testing.T) {
	pub := &fakePublisher{}
	pub.setFail(true)
	m := &countMetrics{}
	p := NewMirrorPipeline(pub, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	p.Ingest(&models.Tick{Symbol: "BTC", TimestampMs: 1, Price: 10})

	deadline := time.Now().Add(2 * time.Second)
	for m.errCount("mirror_flush") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if m.errCount("mirror_flush") == 0 {
		t.Fatal("no flush error recorded during outage")
	}

	pub.setFail(false)
	deadline = time.Now().Add(2 * time.Second)
	for pub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pub.count() != 1 {
		t.Fatalf("published after recovery = %d, want 1", pub.count())
	}
}

func TestMirrorPipelineRejectsNil(t *testing.T) {
	p := NewMirrorPipeline(&fakePublisher{}, &countMetrics{})
	if p.Ingest(nil) {
		t.Fatal("nil tick accepted")
	}
}
