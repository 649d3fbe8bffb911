// Package kafka consumes fleet messages from a Kafka topic.
package kafka

import (
	"context"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler processes one message value.
type Handler func(ctx context.Context, data []byte) error

// Config selects the topic and consumer group.
type Config struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer fetches, handles, then commits each message.
type Consumer struct {
	reader  messageReader
	handle  Handler
	logger  *zap.Logger
	backoff time.Duration
}

// NewConsumer creates a consumer group reader for cfg.
func NewConsumer(cfg Config, handle Handler, logger *zap.Logger) *Consumer {
	return newConsumer(kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	}), handle, logger)
}

func newConsumer(reader messageReader, handle Handler, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		reader:  reader,
		handle:  handle,
		logger:  logger.Named("kafka_consumer"),
		backoff: 500 * time.Millisecond,
	}
}

// Run consumes until ctx ends. Handler failures are logged and the message is
// still committed.
func (c *Consumer) Run(ctx context.Context) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("fetch message failed", zap.Error(err))
			timer := time.NewTimer(c.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		if err := c.handle(ctx, msg.Value); err != nil {
			c.logger.Warn("handle message failed",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("commit message failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// Close releases the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
