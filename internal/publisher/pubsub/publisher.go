// Package pubsub forwards scan events to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
)

// ErrNoTopic is returned when the publisher was built without a topic handle.
var ErrNoTopic = errors.New("pubsub topic is not configured")

// Keyed payloads carry message attributes and an ordering key. Events of one
// cycle share a key so subscribers see them in emission order.
type Keyed interface {
	Attributes() map[string]string
	OrderingKey() string
}

// Publisher wraps a Pub/Sub topic handle with ordering enabled.
type Publisher struct {
	topic *pubsub.Topic
}

// New creates a Publisher for topic.
func New(topic *pubsub.Topic) *Publisher {
	if topic != nil {
		topic.EnableMessageOrdering = true
	}
	return &Publisher{topic: topic}
}

// Publish sends payload as JSON and waits for the server-assigned message ID.
// The trace context travels in the message attributes. The topic argument is
// informational; the handle given to New decides the destination.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p == nil || p.topic == nil {
		return "", ErrNoTopic
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"content_type": "application/json"},
	}
	if k, ok := payload.(Keyed); ok {
		for key, value := range k.Attributes() {
			msg.Attributes[key] = value
		}
		msg.OrderingKey = k.OrderingKey()
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		// A failed ordered publish pauses its key until resumed.
		if msg.OrderingKey != "" {
			p.topic.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes outstanding messages and stops the topic's goroutines.
func (p *Publisher) Close() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}

type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
