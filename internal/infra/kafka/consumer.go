package kafka

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type Handler func(ctx context.Context, topic string, key, value []byte) error

type Consumer struct {
	readers []*kafka.Reader
}

func NewConsumer(brokers []string, groupID string, topics []string, timeout time.Duration) *Consumer {
	var readers []*kafka.Reader
	for _, t := range topics {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			GroupID:        groupID,
			Topic:          t,
			MaxWait:        timeout,
			CommitInterval: time.Second,
		})
		readers = append(readers, r)
	}
	return &Consumer{readers: readers}
}

// Start runs one goroutine per topic. A message whose handler fails is not
// committed and will be redelivered after a rebalance or restart.
func (c *Consumer) Start(ctx context.Context, handler Handler) {
	for _, r := range c.readers {
		go func(reader *kafka.Reader) {
			topic := reader.Config().Topic
			for {
				m, err := reader.FetchMessage(ctx)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						slog.Warn("kafka fetch stopped", "error", err, "topic", topic)
					}
					return
				}
				if handler != nil {
					if err := handler(ctx, topic, m.Key, m.Value); err != nil {
						slog.Warn("kafka handler failed", "error", err, "topic", topic, "offset", m.Offset)
						continue
					}
				}
				if err := reader.CommitMessages(ctx, m); err != nil {
					slog.Warn("kafka commit failed", "error", err, "topic", topic)
				}
			}
		}(r)
	}
}

func (c *Consumer) Close() error {
	var err error
	for _, r := range c.readers {
		if e := r.Close(); e != nil {
			err = e
		}
	}
	return err
}
