// Package pubsub consumes fleet messages from a Pub/Sub subscription.
package pubsub

import (
	"context"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// Handler processes one message payload.
type Handler func(ctx context.Context, data []byte) error

type receiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// Consumer receives from a subscription and acknowledges every message after
// handling it.
type Consumer struct {
	sub    receiver
	handle Handler
	logger *zap.Logger
}

// NewConsumer binds to subscription on client.
func NewConsumer(client *pubsub.Client, subscription string, handle Handler, logger *zap.Logger) *Consumer {
	return newConsumer(client.Subscriber(subscription), handle, logger)
}

func newConsumer(sub receiver, handle Handler, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{sub: sub, handle: handle, logger: logger.Named("pubsub_consumer")}
}

// Run blocks until ctx ends or the subscription fails.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Attributes))
		if err := c.handle(ctx, msg.Data); err != nil {
			c.logger.Warn("handle message failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive: %w", err)
	}
	return nil
}
