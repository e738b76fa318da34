// Package memory records published scan events in process memory. It stands
// in for Pub/Sub in development and tests.
package memory

import (
	"context"
	"strconv"
	"sync"
)

// keyed mirrors the attribute and ordering hooks the Pub/Sub publisher reads.
type keyed interface {
	Attributes() map[string]string
	OrderingKey() string
}

// Message captures one publish call.
type Message struct {
	ID          string
	Topic       string
	OrderingKey string
	Attributes  map[string]string
	Payload     any
}

// Publisher keeps every message in publish order.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records payload and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	msg := Message{Topic: topic, Payload: payload}
	if k, ok := payload.(keyed); ok {
		msg.OrderingKey = k.OrderingKey()
		msg.Attributes = k.Attributes()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	msg.ID = "memory-" + strconv.Itoa(len(p.messages)+1)
	p.messages = append(p.messages, msg)
	return msg.ID, nil
}

// Messages returns a copy of the recorded messages.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Message(nil), p.messages...)
}

// ByOrderingKey returns the messages published under key, in order.
func (p *Publisher) ByOrderingKey(key string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Message
	for _, m := range p.messages {
		if m.OrderingKey == key {
			out = append(out, m)
		}
	}
	return out
}

// Close is a no-op.
func (p *Publisher) Close() {}
