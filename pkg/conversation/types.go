package conversation

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ModelID identifies a model within a provider ("gpt-4o", "claude-3-5-sonnet", ...).
type ModelID string

// Role of a composed transcript message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single entry of a composed prompt transcript. This is what the
// composer hands to an engine; provider-specific request shaping happens
// downstream.
type Message struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// ResponseStatus is the lifecycle state of a single model response.
type ResponseStatus string

const (
	StatusPending   ResponseStatus = "pending"
	StatusStreaming ResponseStatus = "streaming"
	StatusComplete  ResponseStatus = "complete"
	StatusError     ResponseStatus = "error"
	StatusCancelled ResponseStatus = "cancelled"
)

// Terminal reports whether the status is one of the three settled states.
func (s ResponseStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusCancelled:
		return true
	case StatusPending, StatusStreaming:
		return false
	}
	return false
}

// ResponseMetaVersion is bumped when ResponseMeta gains or changes fields.
const ResponseMetaVersion = 1

// ResponseMeta carries the per-response inference metadata. It is an explicit
// struct with optional semantics (zero values mean "not reported") rather than
// a free-form bag, so the lifecycle machine stays exhaustive-checkable.
type ResponseMeta struct {
	SchemaVersion int     `json:"schema_version" yaml:"schema_version"`
	TokensIn      int     `json:"tokens_in,omitempty" yaml:"tokens_in,omitempty"`
	TokensOut     int     `json:"tokens_out,omitempty" yaml:"tokens_out,omitempty"`
	ThoughtTokens int     `json:"thought_tokens,omitempty" yaml:"thought_tokens,omitempty"`
	Cost          float64 `json:"cost,omitempty" yaml:"cost,omitempty"`
	LatencyMs     int64   `json:"latency_ms,omitempty" yaml:"latency_ms,omitempty"`
	StopReason    string  `json:"stop_reason,omitempty" yaml:"stop_reason,omitempty"`

	// ErrorText is set when the stream failed mid-generation. The content
	// received up to that point is preserved and Partial is set.
	ErrorText string `json:"error_text,omitempty" yaml:"error_text,omitempty"`
	Partial   bool   `json:"partial,omitempty" yaml:"partial,omitempty"`
}

// Response is one model's answer within a Turn.
type Response struct {
	LocalID  string  `json:"id" yaml:"id"`
	RemoteID string  `json:"remote_id,omitempty" yaml:"remote_id,omitempty"`
	Model    ModelID `json:"model" yaml:"model"`
	Provider string  `json:"provider,omitempty" yaml:"provider,omitempty"`

	// Content grows while streaming and is replaced wholesale on regenerate.
	Content  string `json:"content" yaml:"content"`
	Thinking string `json:"thinking,omitempty" yaml:"thinking,omitempty"`

	// Enabled responses participate in context composition. Disabled ones are
	// retained for display but excluded from every composed transcript.
	Enabled bool           `json:"enabled" yaml:"enabled"`
	Status  ResponseStatus `json:"status" yaml:"status"`
	Meta    ResponseMeta   `json:"meta" yaml:"meta"`
}

// NewResponse creates a pending, enabled response slot for a model.
func NewResponse(model ModelID, provider string) *Response {
	return &Response{
		LocalID:  uuid.NewString(),
		Model:    model,
		Provider: provider,
		Enabled:  true,
		Status:   StatusPending,
		Meta:     ResponseMeta{SchemaVersion: ResponseMetaVersion},
	}
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// Turn is one user message together with every model response to it.
type Turn struct {
	LocalID     string      `json:"id" yaml:"id"`
	RemoteID    string      `json:"remote_id,omitempty" yaml:"remote_id,omitempty"`
	UserMessage string      `json:"user_message" yaml:"user_message"`
	CreatedAt   time.Time   `json:"created_at" yaml:"created_at"`
	Responses   []*Response `json:"responses" yaml:"responses"`
}

type TurnOption func(*Turn)

func WithTurnID(id string) TurnOption {
	return func(t *Turn) { t.LocalID = id }
}

func WithCreatedAt(ts time.Time) TurnOption {
	return func(t *Turn) { t.CreatedAt = ts }
}

func NewTurn(userMessage string, responses []*Response, options ...TurnOption) *Turn {
	t := &Turn{
		LocalID:     uuid.NewString(),
		UserMessage: userMessage,
		CreatedAt:   time.Now(),
		Responses:   responses,
	}
	for _, option := range options {
		option(t)
	}
	return t
}

// ResponseByID returns the response with the given local id, or nil.
func (t *Turn) ResponseByID(id string) *Response {
	for _, r := range t.Responses {
		if r.LocalID == id {
			return r
		}
	}
	return nil
}

// ResponseByModel returns the response produced by the given model, or nil.
// At most one response per (turn, model) is kept active; regenerate folds
// replace in place rather than appending.
func (t *Turn) ResponseByModel(model ModelID) *Response {
	for _, r := range t.Responses {
		if r.Model == model {
			return r
		}
	}
	return nil
}

// Clone returns a deep copy of the turn and its responses.
func (t *Turn) Clone() *Turn {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Responses = make([]*Response, len(t.Responses))
	for i, r := range t.Responses {
		cp.Responses[i] = r.Clone()
	}
	return &cp
}

// Conversation is the ordered list of turns the UI renders.
type Conversation struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`

	// SharedHistory controls whether prior turns (including other models'
	// responses) are fed back as assistant context on every send.
	SharedHistory bool    `json:"shared_history" yaml:"shared_history"`
	Turns         []*Turn `json:"turns" yaml:"turns"`
}

func NewConversation(id string) *Conversation {
	if id == "" {
		id = uuid.NewString()
	}
	return &Conversation{ID: id}
}

// TurnByID returns the turn with the given local id and its index, or (nil, -1).
func (c *Conversation) TurnByID(id string) (*Turn, int) {
	for i, t := range c.Turns {
		if t.LocalID == id {
			return t, i
		}
	}
	return nil, -1
}

// Clone returns a deep copy of the conversation suitable for composition
// snapshots: reading the copy can never observe a concurrent mutation.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Turns = make([]*Turn, len(c.Turns))
	for i, t := range c.Turns {
		cp.Turns[i] = t.Clone()
	}
	return &cp
}

// DefaultTitle derives a conversation title from the first user message.
func DefaultTitle(userMessage string) string {
	title := strings.TrimSpace(userMessage)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	const maxTitleLen = 60
	if len(title) > maxTitleLen {
		title = strings.TrimSpace(title[:maxTitleLen]) + "…"
	}
	return title
}
