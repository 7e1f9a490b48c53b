package engine

import (
	"context"

	"github.com/Amo808/multiprovider/pkg/conversation"
)

// Request is one generation request for one model. The message sequence is
// fully composed upstream; engines only translate it to their provider's wire
// format.
type Request struct {
	ConversationID string
	BatchID        string
	ResponseID     string

	Model    conversation.ModelID
	Messages []conversation.Message
	Config   Config
}

// ChunkMetadata carries the usage figures a provider reports, usually on the
// final chunk only.
type ChunkMetadata struct {
	TokensIn      int     `json:"tokens_in,omitempty"`
	TokensOut     int     `json:"tokens_out,omitempty"`
	ThoughtTokens int     `json:"thought_tokens,omitempty"`
	Cost          float64 `json:"cost,omitempty"`
	LatencyMs     int64   `json:"latency_ms,omitempty"`
	StopReason    string  `json:"stop_reason,omitempty"`
}

// StreamChunk is one unit of a model's token stream. A chunk may carry answer
// text, thinking text, usage metadata, a terminal error, or the done marker.
type StreamChunk struct {
	Chunk         string
	ThinkingChunk string
	Metadata      *ChunkMetadata
	Done          bool
	Err           string
}

// Engine is an opaque async source of chunks for one provider. Send returns
// immediately with a channel the producer closes when the stream ends, in
// every outcome: done marker, transport error (carried as a chunk with Err
// set), or context cancellation. Cancellation is signalled through ctx; there
// is no separate stop flag to poll.
type Engine interface {
	Send(ctx context.Context, req Request) (<-chan StreamChunk, error)
}

// ProviderResolver maps a provider name to its engine. The dispatch
// coordinator uses it to route each slot of a batch.
type ProviderResolver interface {
	EngineFor(provider string) (Engine, bool)
}

// StaticResolver is a fixed provider → engine table.
type StaticResolver map[string]Engine

func (r StaticResolver) EngineFor(provider string) (Engine, bool) {
	e, ok := r[provider]
	return e, ok
}

var _ ProviderResolver = StaticResolver(nil)
