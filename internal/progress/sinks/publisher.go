package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/tgscan/internal/progress"
)

// Publisher sends one payload to a topic and returns the message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// EventMessage is the JSON body forwarded for each event.
type EventMessage struct {
	CycleID   string    `json:"cycle_id"`
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	Target    string    `json:"target,omitempty"`
	Keyword   string    `json:"keyword,omitempty"`
	Context   string    `json:"context,omitempty"`
	Targets   int       `json:"targets,omitempty"`
	Matches   int64     `json:"matches,omitempty"`
	DurationS float64   `json:"duration_seconds,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// Attributes exposes the stage and cycle for subscription filters.
func (m EventMessage) Attributes() map[string]string {
	return map[string]string{"stage": m.Stage, "cycle_id": m.CycleID}
}

// OrderingKey keeps one cycle's events in order.
func (m EventMessage) OrderingKey() string {
	return m.CycleID
}

// PublisherSink forwards matches and cycle milestones to a message topic.
// Per-target completions are not forwarded.
type PublisherSink struct {
	pub   Publisher
	topic string
}

// NewPublisherSink builds a sink that publishes to topic.
func NewPublisherSink(pub Publisher, topic string) *PublisherSink {
	return &PublisherSink{pub: pub, topic: topic}
}

// Consume publishes each forwarded event and joins the failures.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !forwarded(evt.Stage) {
			continue
		}
		if _, err := s.pub.Publish(ctx, s.topic, toMessage(evt)); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Stage, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; the publisher is closed by its owner.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}

func forwarded(stage progress.Stage) bool {
	switch stage {
	case progress.StageMatch, progress.StageCycleStart, progress.StageCycleDone, progress.StageCycleError:
		return true
	default:
		return false
	}
}

func toMessage(evt progress.Event) EventMessage {
	return EventMessage{
		CycleID:   evt.CycleUUID().String(),
		Stage:     string(evt.Stage),
		Timestamp: evt.TS.UTC(),
		Target:    evt.Target,
		Keyword:   evt.Keyword,
		Context:   evt.Context,
		Targets:   evt.Targets,
		Matches:   evt.Matches,
		DurationS: evt.Dur.Seconds(),
		Note:      evt.Note,
	}
}
