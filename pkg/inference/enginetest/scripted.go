// Package enginetest provides a scripted in-memory engine for exercising the
// streaming lifecycle, dispatch and manager layers without a provider.
package enginetest

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/Amo808/multiprovider/pkg/conversation"
	"github.com/Amo808/multiprovider/pkg/inference/engine"
)

// ModelScript is the scripted chunk sequence for one model.
type ModelScript struct {
	Chunks []engine.StreamChunk

	// Hold, when set, is received from before the final chunk is emitted.
	// Tests use it to force a completion order across models.
	Hold <-chan struct{}
}

// ScriptedEngine replays per-model chunk scripts. Each Send spawns a producer
// goroutine that owns and eventually closes the returned channel; cancelling
// the context stops the stream mid-script, mimicking a dropped transport.
type ScriptedEngine struct {
	mu      sync.Mutex
	scripts map[conversation.ModelID]ModelScript

	requests []engine.Request
}

func NewScriptedEngine() *ScriptedEngine {
	return &ScriptedEngine{scripts: make(map[conversation.ModelID]ModelScript)}
}

// SetScript registers the chunk sequence for a model.
func (e *ScriptedEngine) SetScript(model conversation.ModelID, script ModelScript) {
	e.mu.Lock()
	e.scripts[model] = script
	e.mu.Unlock()
}

// Requests returns every request Send has seen, in order.
func (e *ScriptedEngine) Requests() []engine.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]engine.Request, len(e.requests))
	copy(out, e.requests)
	return out
}

// LastRequest returns the most recent request, or nil.
func (e *ScriptedEngine) LastRequest() *engine.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.requests) == 0 {
		return nil
	}
	req := e.requests[len(e.requests)-1]
	return &req
}

func (e *ScriptedEngine) Send(ctx context.Context, req engine.Request) (<-chan engine.StreamChunk, error) {
	e.mu.Lock()
	script, ok := e.scripts[req.Model]
	e.requests = append(e.requests, req)
	e.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("no script for model %s", req.Model)
	}

	out := make(chan engine.StreamChunk)
	go func() {
		defer close(out)
		for i, chunk := range script.Chunks {
			if script.Hold != nil && i == len(script.Chunks)-1 {
				select {
				case <-script.Hold:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

var _ engine.Engine = (*ScriptedEngine)(nil)

// TextScript builds a plain completion script: the text split into deltas,
// then a done chunk carrying usage metadata.
func TextScript(text string, meta *engine.ChunkMetadata) ModelScript {
	var chunks []engine.StreamChunk
	runes := []rune(text)
	const delta = 5
	for i := 0; i < len(runes); i += delta {
		end := i + delta
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, engine.StreamChunk{Chunk: string(runes[i:end])})
	}
	chunks = append(chunks, engine.StreamChunk{Done: true, Metadata: meta})
	return ModelScript{Chunks: chunks}
}

// ErrorScript builds a script that streams some text and then fails.
func ErrorScript(partial string, errText string) ModelScript {
	return ModelScript{Chunks: []engine.StreamChunk{
		{Chunk: partial},
		{Err: errText},
	}}
}
