package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// PublisherManager distributes events to a set of watermill Publishers, each
// subscribed under a topic. It stamps every outgoing message with a sequence
// number in the order Publish handled it, which lets UI subscribers detect
// gaps and reorder across transports.
type PublisherManager struct {
	publishers     map[string][]message.Publisher
	sequenceNumber uint64
	mu             sync.Mutex
}

func NewPublisherManager() *PublisherManager {
	return &PublisherManager{
		publishers: make(map[string][]message.Publisher),
	}
}

// SubscribePublisher registers a publisher under the given topic.
func (s *PublisherManager) SubscribePublisher(topic string, pub message.Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishers[topic] = append(s.publishers[topic], pub)
}

// Publish serializes the payload and distributes it to every registered
// publisher on its subscribed topic.
func (s *PublisherManager) Publish(payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.Metadata.Set("sequence_number", fmt.Sprintf("%d", s.sequenceNumber))
	s.sequenceNumber++

	for topic, pubs := range s.publishers {
		for _, pub := range pubs {
			if err := pub.Publish(topic, msg); err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("failed to publish")
			}
		}
	}

	return nil
}

// PublishEvent lets a PublisherManager act as an EventSink.
func (s *PublisherManager) PublishEvent(event Event) error {
	return s.Publish(event)
}

var _ EventSink = (*PublisherManager)(nil)
