package events

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeStart to EventTypeFinal cover one response's token stream.
	EventTypeStart             EventType = "start"
	EventTypePartialCompletion EventType = "partial"
	// Separate partial stream for reasoning/thinking text
	EventTypePartialThinking EventType = "partial-thinking"
	EventTypeFinal           EventType = "final"
	EventTypeError           EventType = "error"
	EventTypeInterrupt       EventType = "interrupt"

	// EventTypeBatchSettled fires once per dispatch, when every member
	// response has reached a terminal state and the turn has been folded.
	EventTypeBatchSettled EventType = "batch-settled"

	// EventTypeNotice carries non-fatal, dismissible persistence notices.
	EventTypeNotice EventType = "notice"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// Usage is the token usage reported by a provider for one generation.
type Usage struct {
	InputTokens   int `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens  int `json:"output_tokens" yaml:"output_tokens"`
	ThoughtTokens int `json:"thought_tokens,omitempty" yaml:"thought_tokens,omitempty"`
}

// EventMetadata correlates an event with its response slot. Every streaming
// event for one (dispatch, model) pair carries the same ids.
type EventMetadata struct {
	ConversationID string `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	BatchID        string `json:"batch_id,omitempty" yaml:"batch_id,omitempty"`
	TurnID         string `json:"turn_id,omitempty" yaml:"turn_id,omitempty"`
	ResponseID     string `json:"response_id,omitempty" yaml:"response_id,omitempty"`
	Model          string `json:"model,omitempty" yaml:"model,omitempty"`

	Usage      *Usage   `json:"usage,omitempty" yaml:"usage,omitempty"`
	Cost       *float64 `json:"cost,omitempty" yaml:"cost,omitempty"`
	DurationMs *int64   `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`
	StopReason *string  `json:"stop_reason,omitempty" yaml:"stop_reason,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	if em.ConversationID != "" {
		e.Str("conversation_id", em.ConversationID)
	}
	if em.BatchID != "" {
		e.Str("batch_id", em.BatchID)
	}
	if em.TurnID != "" {
		e.Str("turn_id", em.TurnID)
	}
	if em.ResponseID != "" {
		e.Str("response_id", em.ResponseID)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if em.Usage != nil {
		e.Int("input_tokens", em.Usage.InputTokens)
		e.Int("output_tokens", em.Usage.OutputTokens)
		if em.Usage.ThoughtTokens > 0 {
			e.Int("thought_tokens", em.Usage.ThoughtTokens)
		}
	}
	if em.Cost != nil {
		e.Float64("cost", *em.Cost)
	}
	if em.DurationMs != nil {
		e.Int64("duration_ms", *em.DurationMs)
	}
	if em.StopReason != nil && *em.StopReason != "" {
		e.Str("stop_reason", *em.StopReason)
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// payload is set when the event was deserialized from JSON.
	payload []byte
}

func (e *EventImpl) Type() EventType         { return e.Type_ }
func (e *EventImpl) Metadata() EventMetadata { return e.Metadata_ }
func (e *EventImpl) Payload() []byte         { return e.payload }

// SetPayload stores the raw JSON of a deserialized event.
func (e *EventImpl) SetPayload(b []byte) { e.payload = b }

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

type EventStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventStart {
	return &EventStart{
		EventImpl: EventImpl{Type_: EventTypeStart, Metadata_: metadata},
	}
}

var _ Event = &EventStart{}

// EventPartialCompletion is one answer-text delta. Completion carries the
// whole completion so far, so late subscribers can catch up from any event.
type EventPartialCompletion struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialCompletionEvent(metadata EventMetadata, delta string, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{
		EventImpl:  EventImpl{Type_: EventTypePartialCompletion, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = &EventPartialCompletion{}

// EventThinkingPartial mirrors EventPartialCompletion for reasoning text.
type EventThinkingPartial struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewThinkingPartialEvent(metadata EventMetadata, delta string, completion string) *EventThinkingPartial {
	return &EventThinkingPartial{
		EventImpl:  EventImpl{Type_: EventTypePartialThinking, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = &EventThinkingPartial{}

type EventFinal struct {
	EventImpl
	Text string `json:"text"`
}

func NewFinalEvent(metadata EventMetadata, text string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Text:      text,
	}
}

var _ Event = &EventFinal{}

// EventError signals a transport failure. The partial text received before
// the failure is retained on the response; this event only carries the error.
type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
	}
}

var _ Event = &EventError{}

// EventInterrupt signals a user-initiated cancellation. Text carries the
// partial content at the moment of the stop.
type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Text:      text,
	}
}

var _ Event = &EventInterrupt{}

type EventBatchSettled struct {
	EventImpl
	TurnID    string `json:"turn_id"`
	Complete  int    `json:"complete"`
	Errored   int    `json:"errored"`
	Cancelled int    `json:"cancelled"`
}

func NewBatchSettledEvent(metadata EventMetadata, turnID string, complete, errored, cancelled int) *EventBatchSettled {
	return &EventBatchSettled{
		EventImpl: EventImpl{Type_: EventTypeBatchSettled, Metadata_: metadata},
		TurnID:    turnID,
		Complete:  complete,
		Errored:   errored,
		Cancelled: cancelled,
	}
}

var _ Event = &EventBatchSettled{}

// EventNotice is a dismissible, non-fatal message (persistence push failed,
// save skipped, ...). It never implies a local rollback.
type EventNotice struct {
	EventImpl
	Message string `json:"message"`
}

func NewNoticeEvent(metadata EventMetadata, message string) *EventNotice {
	return &EventNotice{
		EventImpl: EventImpl{Type_: EventTypeNotice, Metadata_: metadata},
		Message:   message,
	}
}

var _ Event = &EventNotice{}

func (e EventStart) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
}

func (e EventPartialCompletion) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("delta", e.Delta)
}

func (e EventFinal) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("text", e.Text)
}

func (e EventError) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("error", e.ErrorString)
}

func (e EventInterrupt) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("text", e.Text)
}

func (e EventNotice) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("message", e.Message)
}

// NewEventFromJson decodes a serialized event back into its concrete type.
func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	e.payload = b

	switch e.Type_ {
	case EventTypeStart:
		return toTypedEvent[EventStart](e)
	case EventTypePartialCompletion:
		return toTypedEvent[EventPartialCompletion](e)
	case EventTypePartialThinking:
		return toTypedEvent[EventThinkingPartial](e)
	case EventTypeFinal:
		return toTypedEvent[EventFinal](e)
	case EventTypeError:
		return toTypedEvent[EventError](e)
	case EventTypeInterrupt:
		return toTypedEvent[EventInterrupt](e)
	case EventTypeBatchSettled:
		return toTypedEvent[EventBatchSettled](e)
	case EventTypeNotice:
		return toTypedEvent[EventNotice](e)
	}
	return e, nil
}

func toTypedEvent[T any](e *EventImpl) (*T, error) {
	var ret *T
	if err := json.Unmarshal(e.payload, &ret); err != nil {
		return nil, err
	}
	if setter, ok := any(ret).(interface{ SetPayload([]byte) }); ok {
		setter.SetPayload(e.payload)
	}
	return ret, nil
}
