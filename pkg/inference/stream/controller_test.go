package stream

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amo808/multiprovider/pkg/conversation"
	"github.com/Amo808/multiprovider/pkg/events"
	"github.com/Amo808/multiprovider/pkg/inference/engine"
)

func runScript(t *testing.T, ctx context.Context, resp *conversation.Response, chunks []engine.StreamChunk) conversation.ResponseStatus {
	t.Helper()
	ch := make(chan engine.StreamChunk)
	go func() {
		defer close(ch)
		for _, chunk := range chunks {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	c := NewController(resp, events.EventMetadata{ConversationID: "conv-1"})
	return c.Run(ctx, ch)
}

func TestControllerCompletes(t *testing.T) {
	collector := events.NewCollectorSink()
	ctx := events.WithEventSinks(context.Background(), collector)

	resp := conversation.NewResponse("gpt-4o", "openai")
	status := runScript(t, ctx, resp, []engine.StreamChunk{
		{Chunk: "Hello"},
		{Chunk: ", world"},
		{Done: true, Metadata: &engine.ChunkMetadata{
			TokensIn: 12, TokensOut: 4, Cost: 0.002, StopReason: "stop",
		}},
	})

	assert.Equal(t, conversation.StatusComplete, status)
	assert.Equal(t, "Hello, world", resp.Content)
	assert.Equal(t, 12, resp.Meta.TokensIn)
	assert.Equal(t, 4, resp.Meta.TokensOut)
	assert.Equal(t, "stop", resp.Meta.StopReason)
	assert.Empty(t, resp.Meta.ErrorText)
	assert.True(t, resp.Enabled)

	finals := collector.ByType(events.EventTypeFinal)
	require.Len(t, finals, 1)
	final, ok := finals[0].(*events.EventFinal)
	require.True(t, ok)
	assert.Equal(t, "Hello, world", final.Text)
	require.NotNil(t, final.Metadata().Usage)
	assert.Equal(t, 12, final.Metadata().Usage.InputTokens)

	partials := collector.ByType(events.EventTypePartialCompletion)
	require.Len(t, partials, 2)
	last, ok := partials[1].(*events.EventPartialCompletion)
	require.True(t, ok)
	assert.Equal(t, ", world", last.Delta)
	assert.Equal(t, "Hello, world", last.Completion)
}

func TestControllerKeepsMidStreamMetadata(t *testing.T) {
	ctx := events.WithEventSinks(context.Background(), events.NewNullSink())

	resp := conversation.NewResponse("gpt-4o", "openai")
	status := runScript(t, ctx, resp, []engine.StreamChunk{
		{Chunk: "partial", Metadata: &engine.ChunkMetadata{TokensIn: 20, TokensOut: 2}},
		{Chunk: " usage", Metadata: &engine.ChunkMetadata{TokensOut: 5, Cost: 0.001}},
		{Done: true},
	})

	assert.Equal(t, conversation.StatusComplete, status)
	assert.Equal(t, "partial usage", resp.Content)
	assert.Equal(t, 20, resp.Meta.TokensIn)
	assert.Equal(t, 5, resp.Meta.TokensOut, "later chunk figures win")
	assert.Equal(t, 0.001, resp.Meta.Cost)
}

func TestControllerErrorKeepsPartialContent(t *testing.T) {
	collector := events.NewCollectorSink()
	ctx := events.WithEventSinks(context.Background(), collector)

	resp := conversation.NewResponse("gpt-4o", "openai")
	status := runScript(t, ctx, resp, []engine.StreamChunk{
		{Chunk: "The answer is"},
		{Err: "rate limit exceeded"},
	})

	assert.Equal(t, conversation.StatusError, status)
	assert.Equal(t, "The answer is", resp.Content)
	assert.Equal(t, "rate limit exceeded", resp.Meta.ErrorText)
	assert.True(t, resp.Meta.Partial)
	assert.True(t, resp.Enabled, "a failed stream must not disable the slot")

	errs := collector.ByType(events.EventTypeError)
	require.Len(t, errs, 1)
}

func TestControllerCancellationKeepsPartialContent(t *testing.T) {
	collector := events.NewCollectorSink()
	ctx, cancel := context.WithCancel(events.WithEventSinks(context.Background(), collector))

	ch := make(chan engine.StreamChunk)
	resp := conversation.NewResponse("claude-3-5-sonnet", "anthropic")
	c := NewController(resp, events.EventMetadata{ConversationID: "conv-1"})

	done := make(chan conversation.ResponseStatus, 1)
	go func() { done <- c.Run(ctx, ch) }()

	ch <- engine.StreamChunk{Chunk: "Partial "}
	ch <- engine.StreamChunk{Chunk: "answer"}
	cancel()
	close(ch)

	status := <-done
	assert.Equal(t, conversation.StatusCancelled, status)
	assert.Equal(t, "Partial answer", resp.Content)
	assert.True(t, resp.Meta.Partial)
	assert.Empty(t, resp.Meta.ErrorText)
	assert.True(t, resp.Enabled)

	interrupts := collector.ByType(events.EventTypeInterrupt)
	require.Len(t, interrupts, 1)
	interrupt, ok := interrupts[0].(*events.EventInterrupt)
	require.True(t, ok)
	assert.Equal(t, "Partial answer", interrupt.Text)
}

func TestControllerUnexpectedCloseIsError(t *testing.T) {
	ctx := context.Background()
	resp := conversation.NewResponse("gpt-4o", "openai")
	status := runScript(t, ctx, resp, []engine.StreamChunk{
		{Chunk: "half a"},
	})

	assert.Equal(t, conversation.StatusError, status)
	assert.Equal(t, "stream ended without completion", resp.Meta.ErrorText)
	assert.True(t, resp.Meta.Partial)
}

func TestControllerThinkingStream(t *testing.T) {
	collector := events.NewCollectorSink()
	ctx := events.WithEventSinks(context.Background(), collector)

	resp := conversation.NewResponse("o1", "openai")
	status := runScript(t, ctx, resp, []engine.StreamChunk{
		{ThinkingChunk: "Consider the"},
		{ThinkingChunk: " premises."},
		{Chunk: "Yes."},
		{Done: true, Metadata: &engine.ChunkMetadata{ThoughtTokens: 7}},
	})

	assert.Equal(t, conversation.StatusComplete, status)
	assert.Equal(t, "Consider the premises.", resp.Thinking)
	assert.Equal(t, "Yes.", resp.Content)
	assert.Equal(t, 7, resp.Meta.ThoughtTokens)
	assert.Len(t, collector.ByType(events.EventTypePartialThinking), 2)
}

func TestControllerSnapshotMidStream(t *testing.T) {
	ctx := context.Background()
	ch := make(chan engine.StreamChunk)
	resp := conversation.NewResponse("gpt-4o", "openai")
	c := NewController(resp, events.EventMetadata{})

	done := make(chan conversation.ResponseStatus, 1)
	go func() { done <- c.Run(ctx, ch) }()

	// The second unbuffered send only completes once the first chunk has been
	// fully applied, so the snapshot below observes at least "str".
	ch <- engine.StreamChunk{Chunk: "str"}
	ch <- engine.StreamChunk{Chunk: "eam"}
	snap := c.ResponseSnapshot()
	assert.Equal(t, conversation.StatusStreaming, snap.Status)
	assert.True(t, strings.HasPrefix("stream", snap.Content))
	assert.NotEmpty(t, snap.Content)

	// Mutating the snapshot must not leak back into the live response.
	snap.Content = "tampered"

	ch <- engine.StreamChunk{Done: true}
	close(ch)
	<-done
	assert.Equal(t, "stream", resp.Content)
}
