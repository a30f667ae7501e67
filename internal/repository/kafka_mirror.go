package repository

import (
	"context"

	"TickMill/internal/domain/models"
	domrepo "TickMill/internal/domain/repository"
	pkgkafka "TickMill/pkg/kafka"
)

// KafkaMirror implements Publisher; every accepted tick is mirrored to a
// Kafka topic independently of candle emission.
type KafkaMirror struct {
	producer *pkgkafka.Producer
	topic    string
}

// NewKafkaMirror creates the Kafka tick mirror.
func NewKafkaMirror(producer *pkgkafka.Producer, topic string) domrepo.Publisher {
	return &KafkaMirror{producer: producer, topic: topic}
}

func tickPayload(t *models.Tick) map[string]interface{} {
	return map[string]interface{}{
		"symbol": t.Symbol,
		"ts_ms":  t.TimestampMs,
		"price":  t.Price,
		"source": string(t.Source),
	}
}

func (m *KafkaMirror) Publish(ctx context.Context, t *models.Tick) error {
	return m.producer.Publish(ctx, m.topic, []byte(t.Symbol), tickPayload(t))
}

func (m *KafkaMirror) PublishBatch(ctx context.Context, ticks []*models.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	msgs := make([]pkgkafka.Message, len(ticks))
	for i, t := range ticks {
		msgs[i] = pkgkafka.Message{
			Key:   []byte(t.Symbol),
			Value: tickPayload(t),
		}
	}
	return m.producer.PublishBatch(ctx, m.topic, msgs)
}

func (m *KafkaMirror) Close() error {
	if m.producer != nil {
		return m.producer.Close()
	}
	return nil
}
