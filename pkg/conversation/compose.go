package conversation

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// DefaultResponseSeparator joins multiple models' answers inside one
// synthesized assistant message.
const DefaultResponseSeparator = "\n\n---\n\n"

// Composer builds the literal message sequence handed to an engine. All
// compose methods operate on a conversation snapshot (see Store.Snapshot), so
// a single composition reads exactly one enabled/disabled state.
type Composer struct {
	// Separator between per-model sections of a synthesized assistant message.
	Separator string
}

func NewComposer() *Composer {
	return &Composer{Separator: DefaultResponseSeparator}
}

func (c *Composer) separator() string {
	if c.Separator == "" {
		return DefaultResponseSeparator
	}
	return c.Separator
}

// FirstSend builds [system?, document context?, user message].
func (c *Composer) FirstSend(systemPrompt, documentContext, userMessage string) []Message {
	msgs := make([]Message, 0, 3)
	if systemPrompt != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: systemPrompt})
	}
	if documentContext != "" {
		msgs = append(msgs, Message{Role: RoleUser, Content: documentContext})
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: userMessage})
	return msgs
}

// SharedHistory prepends the full prior transcript to a new user message.
// Every prior turn contributes its user message plus one synthesized
// assistant message concatenating the enabled responses, each tagged with its
// model name. Disabled responses are absent entirely, not merely marked.
func (c *Composer) SharedHistory(conv *Conversation, systemPrompt, documentContext, userMessage string) []Message {
	msgs := make([]Message, 0, 2*len(conv.Turns)+3)
	if systemPrompt != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: systemPrompt})
	}
	if documentContext != "" {
		msgs = append(msgs, Message{Role: RoleUser, Content: documentContext})
	}
	msgs = append(msgs, c.transcript(conv.Turns, nil)...)
	msgs = append(msgs, Message{Role: RoleUser, Content: userMessage})
	return msgs
}

// Regenerate builds the context for re-running a single response: only the
// turns strictly before the target turn, then the target's user message.
func (c *Composer) Regenerate(conv *Conversation, turnID, systemPrompt string) ([]Message, error) {
	target, idx := conv.TurnByID(turnID)
	if target == nil {
		return nil, errors.Errorf("turn %s not found", turnID)
	}
	msgs := make([]Message, 0, 2*idx+2)
	if systemPrompt != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: systemPrompt})
	}
	msgs = append(msgs, c.transcript(conv.Turns[:idx], nil)...)
	msgs = append(msgs, Message{Role: RoleUser, Content: target.UserMessage})
	return msgs, nil
}

// SmartRegenerate builds the only composition that legitimately sees "future"
// turns: the transcript spans the whole conversation, minus the target
// response's own prior content, followed by an optional instruction block and
// the target turn's user message.
func (c *Composer) SmartRegenerate(conv *Conversation, turnID, responseID, instructions, systemPrompt string) ([]Message, error) {
	target, _ := conv.TurnByID(turnID)
	if target == nil {
		return nil, errors.Errorf("turn %s not found", turnID)
	}
	if target.ResponseByID(responseID) == nil {
		return nil, errors.Errorf("response %s not found in turn %s", responseID, turnID)
	}
	msgs := make([]Message, 0, 2*len(conv.Turns)+4)
	if systemPrompt != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: systemPrompt})
	}
	msgs = append(msgs, c.transcript(conv.Turns, func(t *Turn, r *Response) bool {
		return t.LocalID == turnID && r.LocalID == responseID
	})...)
	if instructions != "" {
		msgs = append(msgs, Message{
			Role:    RoleUser,
			Content: "Additional instructions for the regenerated answer:\n" + instructions,
		})
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: target.UserMessage})
	return msgs, nil
}

// transcript serializes turns into alternating user/assistant messages. The
// exclude predicate drops individual responses on top of the enabled filter.
func (c *Composer) transcript(turns []*Turn, exclude func(*Turn, *Response) bool) []Message {
	msgs := make([]Message, 0, 2*len(turns))
	for _, turn := range turns {
		msgs = append(msgs, Message{Role: RoleUser, Content: turn.UserMessage})
		sections := make([]string, 0, len(turn.Responses))
		for _, resp := range turn.Responses {
			if !resp.Enabled {
				continue
			}
			if exclude != nil && exclude(turn, resp) {
				continue
			}
			if resp.Content == "" {
				continue
			}
			sections = append(sections, fmt.Sprintf("[%s]:\n%s", resp.Model, resp.Content))
		}
		if len(sections) > 0 {
			msgs = append(msgs, Message{
				Role:    RoleAssistant,
				Content: strings.Join(sections, c.separator()),
			})
		}
	}
	return msgs
}
