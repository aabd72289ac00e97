package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/field-series-etl/internal/config"
	"github.com/couchcryptid/field-series-etl/internal/domain"
)

// Publisher announces materialized products on a Kafka topic.
// It implements pipeline.Publisher.
type Publisher struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewPublisher creates a Kafka producer for the configured product topic.
func NewPublisher(cfg *config.Config, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.KafkaTopic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Publisher{writer: w, logger: logger}
}

// Publish writes one event keyed by its product ID, so reruns of the same
// (field, date, kind) land on the same partition.
func (p *Publisher) Publish(ctx context.Context, event domain.SeriesEvent) error {
	msg, err := serializeToMessage(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", event.ID, err)
	}
	p.logger.Debug("series event published", "id", event.ID, "kind", event.Kind)
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals a SeriesEvent into a Kafka message.
func serializeToMessage(event domain.SeriesEvent) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize series event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(event.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "kind", Value: []byte(event.Kind)},
			{Key: "produced_at", Value: []byte(event.ProducedAt.Format(time.RFC3339))},
		},
	}, nil
}
