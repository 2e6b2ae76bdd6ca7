package kafka

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/example/cqrs-engine/internal/eventstore"
)

// EventHandler processes one event delivered from the topic.
type EventHandler func(ctx context.Context, event eventstore.Event) error

// Consumer reads store events back off Kafka, for downstream services
// that follow the event feed without direct store access.
type Consumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

// NewConsumer returns a consumer in the configured group.
func NewConsumer(cfg Config, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: reader, logger: logger}
}

// Consume reads until the context is cancelled. Undecodable messages
// and handler errors are logged and skipped; the offset still advances.
func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("kafka read failed", "error", err)
			continue
		}

		event, err := eventstore.EventFromJSON(msg.Value)
		if err != nil {
			c.logger.Warn("undecodable kafka message",
				"offset", msg.Offset, "error", err)
			continue
		}

		if err := handler(ctx, event); err != nil {
			c.logger.Warn("kafka handler failed",
				"event_type", event.EventType, "error", err)
		}
	}
}

// Close closes the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
