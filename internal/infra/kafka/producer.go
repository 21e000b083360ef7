package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer publishes tracking events. Messages are keyed by staff id, and
// the hash balancer keeps one staff member's status transitions on a single
// partition in the order they were enqueued.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, timeout time.Duration) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			WriteTimeout: timeout,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			// Status changes are sparse; do not hold them for a full batch.
			BatchTimeout: 50 * time.Millisecond,
			Compression:  kafka.Snappy,
		},
	}
}

func (p *Producer) Publish(ctx context.Context, topic string, staffID string, msg any) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.PublishRaw(ctx, topic, staffID, value)
}

// PublishRaw writes an already encoded JSON envelope.
func (p *Producer) PublishRaw(ctx context.Context, topic string, staffID string, value []byte) error {
	return p.writer.WriteMessages(ctx, message(topic, staffID, value))
}

func message(topic, staffID string, value []byte) kafka.Message {
	return kafka.Message{
		Topic: topic,
		Key:   []byte(staffID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "producer", Value: []byte("staff-tracker")},
		},
	}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
