// Package stream drives the streaming lifecycle of a single response slot:
// pending until the first chunk, streaming while deltas arrive, then exactly
// one of complete, error or cancelled.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Amo808/multiprovider/pkg/conversation"
	"github.com/Amo808/multiprovider/pkg/events"
	"github.com/Amo808/multiprovider/pkg/inference/engine"
)

// Controller consumes one chunk channel and folds it into one response. The
// response is owned by the controller until Run returns; readers that want to
// render mid-stream state use ResponseSnapshot.
type Controller struct {
	mu   sync.Mutex
	resp *conversation.Response
	meta events.EventMetadata
}

func NewController(resp *conversation.Response, meta events.EventMetadata) *Controller {
	meta.ResponseID = resp.LocalID
	meta.Model = string(resp.Model)
	return &Controller{resp: resp, meta: meta}
}

// ResponseSnapshot returns a deep copy of the response in its current
// lifecycle state. Safe to call concurrently with Run.
func (c *Controller) ResponseSnapshot() *conversation.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resp.Clone()
}

// Run consumes the chunk channel until the producer closes it and returns the
// terminal status the response settled in. Errors from the stream are not
// returned: they are recorded on the response metadata and published as
// events, so one model's failure never aborts its siblings.
//
// A context cancellation settles the response as cancelled; partial content
// and the enabled flag are kept as they were.
func (c *Controller) Run(ctx context.Context, chunks <-chan engine.StreamChunk) conversation.ResponseStatus {
	started := time.Now()
	events.PublishEventToContext(ctx, events.NewStartEvent(c.meta))

	sawDone := false
	var failure string

	for chunk := range chunks {
		switch {
		case chunk.Err != "":
			failure = chunk.Err
		case chunk.Done:
			sawDone = true
			c.finalize(chunk.Metadata, started)
		default:
			c.appendDeltas(ctx, chunk)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case sawDone:
		c.resp.Status = conversation.StatusComplete
		meta := c.meta
		meta.Usage = &events.Usage{
			InputTokens:   c.resp.Meta.TokensIn,
			OutputTokens:  c.resp.Meta.TokensOut,
			ThoughtTokens: c.resp.Meta.ThoughtTokens,
		}
		if c.resp.Meta.Cost > 0 {
			cost := c.resp.Meta.Cost
			meta.Cost = &cost
		}
		duration := c.resp.Meta.LatencyMs
		meta.DurationMs = &duration
		if c.resp.Meta.StopReason != "" {
			reason := c.resp.Meta.StopReason
			meta.StopReason = &reason
		}
		events.PublishEventToContext(ctx, events.NewFinalEvent(meta, c.resp.Content))

	case failure != "":
		c.resp.Status = conversation.StatusError
		c.resp.Meta.ErrorText = failure
		c.resp.Meta.Partial = c.resp.Content != ""
		c.resp.Meta.LatencyMs = time.Since(started).Milliseconds()
		events.PublishEventToContext(ctx, events.NewErrorEvent(c.meta, errors.New(failure)))

	case ctx.Err() != nil:
		c.resp.Status = conversation.StatusCancelled
		c.resp.Meta.Partial = c.resp.Content != ""
		c.resp.Meta.StopReason = "cancelled"
		c.resp.Meta.LatencyMs = time.Since(started).Milliseconds()
		events.PublishEventToContext(ctx, events.NewInterruptEvent(c.meta, c.resp.Content))

	default:
		// Producer closed the channel without a done marker, an error chunk
		// or a cancellation. Treat it as a transport failure.
		c.resp.Status = conversation.StatusError
		c.resp.Meta.ErrorText = "stream ended without completion"
		c.resp.Meta.Partial = c.resp.Content != ""
		c.resp.Meta.LatencyMs = time.Since(started).Milliseconds()
		log.Warn().
			Str("response_id", c.resp.LocalID).
			Str("model", string(c.resp.Model)).
			Msg("stream closed before done marker")
		events.PublishEventToContext(ctx, events.NewErrorEvent(c.meta, errors.New(c.resp.Meta.ErrorText)))
	}

	return c.resp.Status
}

// Fail settles the response as errored without consuming a stream. Used for
// slots that could not start at all (unknown provider, refused request).
func (c *Controller) Fail(ctx context.Context, err error) {
	c.mu.Lock()
	c.resp.Status = conversation.StatusError
	c.resp.Meta.ErrorText = err.Error()
	c.mu.Unlock()
	events.PublishEventToContext(ctx, events.NewErrorEvent(c.meta, err))
}

func (c *Controller) appendDeltas(ctx context.Context, chunk engine.StreamChunk) {
	c.mu.Lock()
	if c.resp.Status == conversation.StatusPending {
		c.resp.Status = conversation.StatusStreaming
	}
	c.resp.Content += chunk.Chunk
	c.resp.Thinking += chunk.ThinkingChunk
	if chunk.Metadata != nil {
		// Providers may report usage on any chunk, not just the final one.
		c.mergeMetaLocked(chunk.Metadata)
	}
	content, thinking := c.resp.Content, c.resp.Thinking
	c.mu.Unlock()

	if chunk.Chunk != "" {
		events.PublishEventToContext(ctx, events.NewPartialCompletionEvent(c.meta, chunk.Chunk, content))
	}
	if chunk.ThinkingChunk != "" {
		events.PublishEventToContext(ctx, events.NewThinkingPartialEvent(c.meta, chunk.ThinkingChunk, thinking))
	}
}

// finalize records the provider-reported usage figures in one critical
// section, so no reader ever sees a complete status with half-filled meta.
func (c *Controller) finalize(meta *engine.ChunkMetadata, started time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if meta != nil {
		c.mergeMetaLocked(meta)
	}
	if c.resp.Meta.LatencyMs == 0 {
		c.resp.Meta.LatencyMs = time.Since(started).Milliseconds()
	}
}

// mergeMetaLocked folds reported usage into the response meta. Zero fields
// are left alone so a final chunk without figures keeps mid-stream ones.
func (c *Controller) mergeMetaLocked(meta *engine.ChunkMetadata) {
	if meta.TokensIn > 0 {
		c.resp.Meta.TokensIn = meta.TokensIn
	}
	if meta.TokensOut > 0 {
		c.resp.Meta.TokensOut = meta.TokensOut
	}
	if meta.ThoughtTokens > 0 {
		c.resp.Meta.ThoughtTokens = meta.ThoughtTokens
	}
	if meta.Cost > 0 {
		c.resp.Meta.Cost = meta.Cost
	}
	if meta.StopReason != "" {
		c.resp.Meta.StopReason = meta.StopReason
	}
	if meta.LatencyMs > 0 {
		c.resp.Meta.LatencyMs = meta.LatencyMs
	}
}
