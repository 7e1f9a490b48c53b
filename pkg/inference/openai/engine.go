// Package openai adapts the OpenAI chat-completion streaming API to the
// engine contract. Provider wire shaping lives here and nowhere else.
package openai

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/Amo808/multiprovider/pkg/conversation"
	"github.com/Amo808/multiprovider/pkg/inference/engine"
	"github.com/Amo808/multiprovider/pkg/tokens"
)

// Engine streams chat completions from the OpenAI API.
type Engine struct {
	client    *go_openai.Client
	estimator *tokens.Estimator
}

type Option func(*Engine)

// WithClient replaces the API client, for proxies and compatible backends.
func WithClient(client *go_openai.Client) Option {
	return func(e *Engine) { e.client = client }
}

// WithEstimator enables local usage estimation for streams where the API
// does not report token counts.
func WithEstimator(est *tokens.Estimator) Option {
	return func(e *Engine) { e.estimator = est }
}

func NewEngine(apiKey string, options ...Option) *Engine {
	e := &Engine{client: go_openai.NewClient(apiKey)}
	for _, option := range options {
		option(e)
	}
	return e
}

// NewEngineWithBaseURL points the client at an OpenAI-compatible endpoint.
func NewEngineWithBaseURL(apiKey, baseURL string, options ...Option) *Engine {
	cfg := go_openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	e := &Engine{client: go_openai.NewClientWithConfig(cfg)}
	for _, option := range options {
		option(e)
	}
	return e
}

func (e *Engine) Send(ctx context.Context, req engine.Request) (<-chan engine.StreamChunk, error) {
	apiReq := makeRequest(req)

	started := time.Now()
	stream, err := e.client.CreateChatCompletionStream(ctx, apiReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open completion stream")
	}

	out := make(chan engine.StreamChunk)
	go func() {
		defer close(out)
		defer stream.Close()

		completion := ""
		stopReason := ""
		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				meta := &engine.ChunkMetadata{
					StopReason: stopReason,
					LatencyMs:  time.Since(started).Milliseconds(),
				}
				e.fillUsage(meta, req, completion)
				select {
				case out <- engine.StreamChunk{Done: true, Metadata: meta}:
				case <-ctx.Done():
				}
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					// Cancellation is signalled by the closed channel alone.
					return
				}
				log.Error().Err(err).Str("model", string(req.Model)).Msg("completion stream failed")
				select {
				case out <- engine.StreamChunk{Err: err.Error()}:
				case <-ctx.Done():
				}
				return
			}

			if len(response.Choices) == 0 {
				continue
			}
			choice := response.Choices[0]
			if choice.FinishReason != "" {
				stopReason = string(choice.FinishReason)
			}
			if choice.Delta.Content == "" {
				continue
			}
			completion += choice.Delta.Content
			select {
			case out <- engine.StreamChunk{Chunk: choice.Delta.Content}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (e *Engine) fillUsage(meta *engine.ChunkMetadata, req engine.Request, completion string) {
	if e.estimator == nil {
		return
	}
	meta.TokensIn = e.estimator.CountMessages(req.Model, req.Messages)
	meta.TokensOut = e.estimator.Count(req.Model, completion)
	meta.Cost = e.estimator.EstimateCost(req.Model, meta.TokensIn, meta.TokensOut)
}

func makeRequest(req engine.Request) go_openai.ChatCompletionRequest {
	apiReq := go_openai.ChatCompletionRequest{
		Model:  string(req.Model),
		Stream: true,
	}
	if req.Config.SystemPrompt != "" && !hasSystemMessage(req.Messages) {
		apiReq.Messages = append(apiReq.Messages, go_openai.ChatCompletionMessage{
			Role:    go_openai.ChatMessageRoleSystem,
			Content: req.Config.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, go_openai.ChatCompletionMessage{
			Role:    apiRole(m.Role),
			Content: m.Content,
		})
	}
	if req.Config.Temperature != nil {
		apiReq.Temperature = float32(*req.Config.Temperature)
	}
	if req.Config.TopP != nil {
		apiReq.TopP = float32(*req.Config.TopP)
	}
	if req.Config.MaxTokens != nil {
		apiReq.MaxTokens = *req.Config.MaxTokens
	}
	if len(req.Config.Stop) > 0 {
		apiReq.Stop = req.Config.Stop
	}
	return apiReq
}

func hasSystemMessage(messages []conversation.Message) bool {
	for _, m := range messages {
		if m.Role == conversation.RoleSystem {
			return true
		}
	}
	return false
}

func apiRole(role conversation.Role) string {
	switch role {
	case conversation.RoleSystem:
		return go_openai.ChatMessageRoleSystem
	case conversation.RoleAssistant:
		return go_openai.ChatMessageRoleAssistant
	case conversation.RoleUser:
		return go_openai.ChatMessageRoleUser
	}
	return go_openai.ChatMessageRoleUser
}

var _ engine.Engine = (*Engine)(nil)
