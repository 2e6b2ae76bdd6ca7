package kafka

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/cqrs-engine/internal/eventstore"
)

// Config holds the broker addresses and topic for event publishing.
type Config struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// Producer publishes store events to Kafka. Messages are keyed by
// aggregate ID so all events of one aggregate land on one partition, in
// order.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer returns a producer for the topic.
func NewProducer(cfg Config) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Producer{writer: writer}
}

// Publish writes one event.
func (p *Producer) Publish(ctx context.Context, event eventstore.Event) error {
	data, err := event.ToJSON()
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.AggregateID),
		Value: data,
		Time:  event.Metadata.Timestamp,
	})
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Publisher is the sink a relay forwards events into. Producer is the
// Kafka implementation.
type Publisher interface {
	Publish(ctx context.Context, event eventstore.Event) error
	Close() error
}

// Relay forwards every appended event to a publisher. It registers as
// an asynchronous subscriber so broker latency never sits on the write
// path; delivery order per aggregate is preserved by the subscriber
// queue plus the keyed balancer.
type Relay struct {
	publisher Publisher
	store     *eventstore.EventStore
	logger    *slog.Logger
	subID     eventstore.SubscriptionID
}

// NewRelay wires the publisher to the store.
func NewRelay(store *eventstore.EventStore, publisher Publisher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{publisher: publisher, store: store, logger: logger}
}

// Start subscribes the relay. Publish failures are logged; the event is
// durable in the store regardless, and a consumer that needs a complete
// feed should catch up from the store.
func (r *Relay) Start(ctx context.Context) {
	r.subID = r.store.SubscribeAsync(func(event eventstore.Event) error {
		if err := r.publisher.Publish(ctx, event); err != nil {
			r.logger.Warn("kafka publish failed",
				"event_type", event.EventType,
				"aggregate_id", event.AggregateID,
				"error", err)
			return err
		}
		return nil
	})
	r.logger.Info("kafka relay started")
}

// Stop unsubscribes the relay and closes the publisher.
func (r *Relay) Stop() error {
	r.store.Unsubscribe(r.subID)
	r.logger.Info("kafka relay stopped")
	return r.publisher.Close()
}
