package usecase

import (
	"context"
	"encoding/json"

	"TickMill/internal/domain/models"
	domrepo "TickMill/internal/domain/repository"
	pkgkafka "TickMill/pkg/kafka"
	"TickMill/pkg/util"
)

// ImportHandler consumes bulk tick imports from Kafka and routes them
// through the buffer's sampling gate with source=import. Timestamps on the
// import topic arrive in whatever unit the producer used, so they are
// normalized first.
type ImportHandler struct {
	topic   string
	sink    domrepo.TickSink
	metrics domrepo.Metrics
}

func NewImportHandler(topic string, sink domrepo.TickSink, metrics domrepo.Metrics) *ImportHandler {
	return &ImportHandler{topic: topic, sink: sink, metrics: metrics}
}

func (h *ImportHandler) Topic() string { return h.topic }

// incoming message schema: {symbol, ts, price}
func (h *ImportHandler) Handle(ctx context.Context, b []byte) error {
	var m struct {
		Symbol string  `json:"symbol"`
		TS     float64 `json:"ts"`
		Price  float64 `json:"price"`
	}
	if err := json.Unmarshal(b, &m); err != nil {
		h.metrics.RecordError("import_unmarshal")
		return err
	}

	tsMs, err := util.ToEpochMs(m.TS)
	if err != nil {
		h.metrics.RecordError("import_timestamp")
		// Malformed timestamps are counted and skipped, not retried.
		return nil
	}

	h.sink.Ingest(&models.Tick{
		Symbol:      m.Symbol,
		TimestampMs: tsMs,
		Price:       m.Price,
		Source:      models.SourceImport,
	})
	return nil
}

var _ pkgkafka.MessageHandler = (*ImportHandler)(nil)
