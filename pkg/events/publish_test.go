package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherManagerStampsSequenceNumbers(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, watermill.NopLogger{})
	messages, err := pubSub.Subscribe(context.Background(), "chat")
	require.NoError(t, err)

	manager := NewPublisherManager()
	manager.SubscribePublisher("chat", pubSub)

	meta := EventMetadata{ConversationID: "conv-1", Model: "m1"}
	require.NoError(t, manager.PublishEvent(NewStartEvent(meta)))
	require.NoError(t, manager.PublishEvent(NewFinalEvent(meta, "done")))

	for want := 0; want < 2; want++ {
		select {
		case msg := <-messages:
			assert.Equal(t, fmt.Sprintf("%d", want), msg.Metadata.Get("sequence_number"))
			msg.Ack()
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d never arrived", want)
		}
	}
}

func TestEventRouterDeliversSinkEvents(t *testing.T) {
	router, err := NewEventRouter()
	require.NoError(t, err)

	received := make(chan Event, 4)
	router.AddHandler("collect", "chat", func(msg *message.Message) error {
		event, err := NewEventFromJson(msg.Payload)
		if err != nil {
			return err
		}
		received <- event
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = router.Run(ctx) }()
	<-router.Running()

	sink := NewWatermillSink(router.Publisher, "chat")
	require.NoError(t, sink.PublishEvent(NewStartEvent(EventMetadata{ConversationID: "conv-1", Model: "m1"})))

	select {
	case event := <-received:
		require.Equal(t, EventTypeStart, event.Type())
		assert.Equal(t, "conv-1", event.Metadata().ConversationID)
		assert.Equal(t, "m1", event.Metadata().Model)
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the handler")
	}

	require.NoError(t, router.Close())
}
