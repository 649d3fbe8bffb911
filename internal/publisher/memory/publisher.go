// Package memory is an in-process message bus: it records every publish and
// can loop messages back to a local handler.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handler receives the JSON encoding of each published payload.
type Handler func(ctx context.Context, data []byte) error

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	deliver  Handler
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Subscribe loops every later publish back to h.
func (p *Publisher) Subscribe(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deliver = h
}

// Publish records the message, delivers it to the subscriber if any, and
// returns a pseudo ID. Delivery errors are the subscriber's concern and are
// not returned.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	id := fmt.Sprintf("memory-%d", len(p.messages))
	deliver := p.deliver
	p.mu.Unlock()

	if deliver != nil {
		_ = deliver(ctx, data)
	}
	return id, nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
