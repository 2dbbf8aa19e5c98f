// Package kafka publishes notification events to a Kafka topic keyed by
// notification id, so every event of a notification lands on one partition.
package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/notification"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "notifications"

type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

func NewPublisher(producer sarama.SyncProducer, topic string, logger *zap.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{producer: producer, topic: topic, logger: logger}
}

// NewSyncProducer connects an idempotent producer that waits for all in-sync
// replicas.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = "courier"
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to kafka: %w", err)
	}
	return prod, nil
}

// Publish sends e and waits for the broker acknowledgement. ctx is checked
// before sending only; sarama's sync producer does not take a context.
func (p *Publisher) Publish(ctx context.Context, e notification.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := events.Encode(e)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(e.AggregateID().String()),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(e.EventType())},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}

	p.logger.Debug("event published to kafka",
		zap.String("event_type", e.EventType()),
		zap.String("notification_id", e.AggregateID().String()),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

func (p *Publisher) Close() {
	if err := p.producer.Close(); err != nil {
		p.logger.Warn("kafka producer close failed", zap.Error(err))
	}
}
