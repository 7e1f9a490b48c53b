package events

import (
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// EventSink is a destination for streaming events. Implementations publish to
// watermill, collect in memory, or discard.
type EventSink interface {
	PublishEvent(event Event) error
}

// NullSink discards every event.
type NullSink struct{}

func NewNullSink() *NullSink { return &NullSink{} }

func (n *NullSink) PublishEvent(Event) error { return nil }

var _ EventSink = (*NullSink)(nil)

// WatermillSink publishes events to a watermill Publisher so they can fan out
// through the message bus to any number of subscribers.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	return &WatermillSink{publisher: publisher, topic: topic}
}

func (w *WatermillSink) PublishEvent(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event to JSON")
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := w.publisher.Publish(w.topic, msg); err != nil {
		log.Error().Err(err).Str("topic", w.topic).Msg("failed to publish event")
		return err
	}
	log.Trace().Str("topic", w.topic).Str("event_type", string(event.Type())).Msg("published event")
	return nil
}

var _ EventSink = (*WatermillSink)(nil)

// CollectorSink keeps events in memory, in arrival order.
type CollectorSink struct {
	mu     sync.Mutex
	events []Event
}

func NewCollectorSink() *CollectorSink { return &CollectorSink{} }

func (c *CollectorSink) PublishEvent(event Event) error {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	return nil
}

// Events returns a copy of the collected events.
func (c *CollectorSink) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// ByType returns the collected events of one type.
func (c *CollectorSink) ByType(t EventType) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

var _ EventSink = (*CollectorSink)(nil)
