package usecase

import (
	"context"
	"testing"

	"TickMill/internal/domain/models"
)

func TestImportHandlerNormalizesTimestamps(t *testing.T) {
	sink := &recordSink{}
	h := NewImportHandler("ticks.import", sink, nopMetrics{})

	// Second-epoch and millisecond-epoch producers both land as milliseconds.
	msgs := []string{
		`{"symbol":"BTC","ts":1680000000,"price":10.5}`,
		`{"symbol":"BTC","ts":1680000060000,"price":11.5}`,
	}
	for _, m := range msgs {
		if err := h.Handle(context.Background(), []byte(m)); err != nil {
			t.Fatalf("Handle(%s): %v", m, err)
		}
	}

	got := sink.all()
	if len(got) != 2 {
		t.Fatalf("ingested = %d, want 2", len(got))
	}
	if got[0].TimestampMs != 1_680_000_000_000 || got[1].TimestampMs != 1_680_000_060_000 {
		t.Fatalf("timestamps = %d, %d, want both in ms", got[0].TimestampMs, got[1].TimestampMs)
	}
	for _, tk := range got {
		if tk.Source != models.SourceImport {
			t.Fatalf("source = %q, want %q", tk.Source, models.SourceImport)
		}
	}
}

func TestImportHandlerMalformedPayload(t *testing.T) {
	sink := &recordSink{}
	h := NewImportHandler("ticks.import", sink, nopMetrics{})

	if err := h.Handle(context.Background(), []byte(`{not json`)); err == nil {
		t.Fatal("want unmarshal error")
	}
	// Bad timestamps are skipped without error so the consumer does not retry.
	if err := h.Handle(context.Background(), []byte(`{"symbol":"BTC","ts":-1,"price":10}`)); err != nil {
		t.Fatalf("bad timestamp: %v", err)
	}
	if len(sink.all()) != 0 {
		t.Fatalf("ingested = %d, want 0", len(sink.all()))
	}
}
