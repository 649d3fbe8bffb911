// Package kafka publishes fleet messages to Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/JakeFAU/crawl-fleet/internal/messages"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher wraps a Kafka writer. The topic is chosen per message.
type Publisher struct {
	writer messageWriter
	now    func() time.Time
}

// New creates a publisher for brokers.
func New(brokers []string) *Publisher {
	return newPublisher(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: false,
	})
}

func newPublisher(writer messageWriter) *Publisher {
	return &Publisher{writer: writer, now: func() time.Time { return time.Now().UTC() }}
}

// Publish writes payload as JSON to topic. Envelopes are keyed by type so
// each message type keeps its order within a partition.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	value, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := kafka.Message{Topic: topic, Value: value, Time: p.now()}
	if env, ok := payload.(messages.Envelope); ok {
		msg.Key = []byte(env.Type)
		msg.Headers = []kafka.Header{{Key: "type", Value: []byte(env.Type)}}
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write message: %w", err)
	}
	return fmt.Sprintf("%s@%d", topic, msg.Time.UnixNano()), nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
