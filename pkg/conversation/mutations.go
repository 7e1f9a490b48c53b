package conversation

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Mutation represents a deterministic change to a conversation. Every
// mutation is synchronous and total: it either applies fully or returns an
// error with the conversation untouched.
type Mutation interface {
	Apply(c *Conversation) error
	Name() string
}

// RejectableMutation is implemented by mutations whose failure is a silent,
// caller-visible refusal (out-of-bounds reorder) rather than a hard error.
type RejectableMutation interface {
	Mutation
	rejectable()
}

type addTurnMutation struct {
	turn *Turn
}

func (m addTurnMutation) Apply(c *Conversation) error {
	if c == nil {
		return fmt.Errorf("conversation is nil")
	}
	if m.turn == nil {
		return fmt.Errorf("turn is nil")
	}
	if len(m.turn.Responses) == 0 {
		return fmt.Errorf("turn %s has no responses", m.turn.LocalID)
	}
	if m.turn.LocalID == "" {
		m.turn.LocalID = uuid.NewString()
	}
	c.Turns = append(c.Turns, m.turn)
	if c.Title == "" {
		c.Title = DefaultTitle(m.turn.UserMessage)
	}
	return nil
}

func (m addTurnMutation) Name() string { return "add_turn" }

// MutateAddTurn appends a folded turn to the conversation. A turn without
// responses is refused outright, which keeps the "no empty turns" invariant
// structural.
func MutateAddTurn(turn *Turn) Mutation {
	return addTurnMutation{turn: turn}
}

type mergeResponsesMutation struct {
	turnID    string
	responses []*Response
}

func (m mergeResponsesMutation) Apply(c *Conversation) error {
	if c == nil {
		return fmt.Errorf("conversation is nil")
	}
	turn, _ := c.TurnByID(m.turnID)
	if turn == nil {
		return fmt.Errorf("turn %s not found", m.turnID)
	}
	for _, incoming := range m.responses {
		replaced := false
		for i, existing := range turn.Responses {
			if existing.Model != incoming.Model {
				continue
			}
			// Replace in the existing slot so ordering survives a regenerate.
			// The remote id is inherited: the reconciler pushes the new
			// content as an update instead of creating a duplicate row.
			incoming.RemoteID = existing.RemoteID
			turn.Responses[i] = incoming
			replaced = true
			break
		}
		if !replaced {
			turn.Responses = append(turn.Responses, incoming)
		}
	}
	return nil
}

func (m mergeResponsesMutation) Name() string { return "merge_responses" }

// MutateMergeResponses folds regenerated responses into an existing turn,
// replacing the slot held by the same model.
func MutateMergeResponses(turnID string, responses ...*Response) Mutation {
	return mergeResponsesMutation{turnID: turnID, responses: responses}
}

type replaceResponseContentMutation struct {
	turnID     string
	responseID string
	content    string
	thinking   string
	meta       *ResponseMeta
}

func (m replaceResponseContentMutation) Apply(c *Conversation) error {
	resp, err := findResponse(c, m.turnID, m.responseID)
	if err != nil {
		return err
	}
	resp.Content = m.content
	resp.Thinking = m.thinking
	if m.meta != nil {
		resp.Meta = *m.meta
	}
	return nil
}

func (m replaceResponseContentMutation) Name() string { return "replace_response_content" }

// MutateReplaceResponseContent swaps a response's content (and optionally its
// metadata) wholesale, as a completed regenerate does.
func MutateReplaceResponseContent(turnID, responseID, content, thinking string, meta *ResponseMeta) Mutation {
	return replaceResponseContentMutation{
		turnID:     turnID,
		responseID: responseID,
		content:    content,
		thinking:   thinking,
		meta:       meta,
	}
}

type toggleEnabledMutation struct {
	turnID string
	index  int
}

func (m toggleEnabledMutation) Apply(c *Conversation) error {
	if c == nil {
		return fmt.Errorf("conversation is nil")
	}
	turn, _ := c.TurnByID(m.turnID)
	if turn == nil {
		return fmt.Errorf("turn %s not found", m.turnID)
	}
	if m.index < 0 || m.index >= len(turn.Responses) {
		return fmt.Errorf("response index %d out of range", m.index)
	}
	turn.Responses[m.index].Enabled = !turn.Responses[m.index].Enabled
	return nil
}

func (m toggleEnabledMutation) Name() string { return "toggle_response_enabled" }

// MutateToggleResponseEnabled flips a response's participation in future
// context composition. The response stays visible either way.
func MutateToggleResponseEnabled(turnID string, index int) Mutation {
	return toggleEnabledMutation{turnID: turnID, index: index}
}

type reorderResponseMutation struct {
	turnID string
	from   int
	to     int
}

func (m reorderResponseMutation) rejectable() {}

func (m reorderResponseMutation) Apply(c *Conversation) error {
	if c == nil {
		return fmt.Errorf("conversation is nil")
	}
	turn, _ := c.TurnByID(m.turnID)
	if turn == nil {
		return fmt.Errorf("turn %s not found", m.turnID)
	}
	if !indexInRange(m.from, len(turn.Responses)) || !indexInRange(m.to, len(turn.Responses)) {
		return fmt.Errorf("reorder indices (%d, %d) out of range for %d responses", m.from, m.to, len(turn.Responses))
	}
	moveElement(turn.Responses, m.from, m.to)
	return nil
}

func (m reorderResponseMutation) Name() string { return "reorder_response" }

// MutateReorderResponse moves a response from one index to another within a
// turn. Out-of-range indices are a validation rejection, not a hard error.
func MutateReorderResponse(turnID string, from, to int) RejectableMutation {
	return reorderResponseMutation{turnID: turnID, from: from, to: to}
}

type reorderTurnMutation struct {
	from int
	to   int
}

func (m reorderTurnMutation) rejectable() {}

func (m reorderTurnMutation) Apply(c *Conversation) error {
	if c == nil {
		return fmt.Errorf("conversation is nil")
	}
	if !indexInRange(m.from, len(c.Turns)) || !indexInRange(m.to, len(c.Turns)) {
		return fmt.Errorf("reorder indices (%d, %d) out of range for %d turns", m.from, m.to, len(c.Turns))
	}
	moveElement(c.Turns, m.from, m.to)
	return nil
}

func (m reorderTurnMutation) Name() string { return "reorder_turn" }

// MutateReorderTurn moves a whole turn within the conversation.
func MutateReorderTurn(from, to int) RejectableMutation {
	return reorderTurnMutation{from: from, to: to}
}

type deleteResponseMutation struct {
	turnID     string
	responseID string
}

func (m deleteResponseMutation) Apply(c *Conversation) error {
	if c == nil {
		return fmt.Errorf("conversation is nil")
	}
	turn, turnIdx := c.TurnByID(m.turnID)
	if turn == nil {
		return fmt.Errorf("turn %s not found", m.turnID)
	}
	idx := -1
	for i, r := range turn.Responses {
		if r.LocalID == m.responseID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("response %s not found in turn %s", m.responseID, m.turnID)
	}
	turn.Responses = append(turn.Responses[:idx], turn.Responses[idx+1:]...)
	// A turn that lost its last response is pruned from the conversation.
	if len(turn.Responses) == 0 {
		c.Turns = append(c.Turns[:turnIdx], c.Turns[turnIdx+1:]...)
	}
	return nil
}

func (m deleteResponseMutation) Name() string { return "delete_response" }

func MutateDeleteResponse(turnID, responseID string) Mutation {
	return deleteResponseMutation{turnID: turnID, responseID: responseID}
}

type deleteTurnMutation struct {
	turnID string
}

func (m deleteTurnMutation) Apply(c *Conversation) error {
	if c == nil {
		return fmt.Errorf("conversation is nil")
	}
	_, idx := c.TurnByID(m.turnID)
	if idx < 0 {
		return fmt.Errorf("turn %s not found", m.turnID)
	}
	c.Turns = append(c.Turns[:idx], c.Turns[idx+1:]...)
	return nil
}

func (m deleteTurnMutation) Name() string { return "delete_turn" }

func MutateDeleteTurn(turnID string) Mutation {
	return deleteTurnMutation{turnID: turnID}
}

type setTurnResponsesMutation struct {
	turnID    string
	responses []*Response
}

func (m setTurnResponsesMutation) Apply(c *Conversation) error {
	if c == nil {
		return fmt.Errorf("conversation is nil")
	}
	turn, _ := c.TurnByID(m.turnID)
	if turn == nil {
		return fmt.Errorf("turn %s not found", m.turnID)
	}
	if len(m.responses) == 0 {
		return fmt.Errorf("refusing to set empty response list on turn %s", m.turnID)
	}
	turn.Responses = m.responses
	return nil
}

func (m setTurnResponsesMutation) Name() string { return "set_turn_responses" }

// MutateSetTurnResponses replaces a turn's response list wholesale. Used when
// a remote reorder returns the authoritative ordering, and by rollbacks.
func MutateSetTurnResponses(turnID string, responses []*Response) Mutation {
	return setTurnResponsesMutation{turnID: turnID, responses: responses}
}

type setTurnsMutation struct {
	turns []*Turn
}

func (m setTurnsMutation) Apply(c *Conversation) error {
	if c == nil {
		return fmt.Errorf("conversation is nil")
	}
	c.Turns = m.turns
	return nil
}

func (m setTurnsMutation) Name() string { return "set_turns" }

// MutateSetTurns replaces the turn list wholesale (rollback path for turn
// reorders and deletes).
func MutateSetTurns(turns []*Turn) Mutation {
	return setTurnsMutation{turns: turns}
}

type setRemoteIDsMutation struct {
	turnID       string
	turnRemoteID string
	responseIDs  map[string]string
}

func (m setRemoteIDsMutation) Apply(c *Conversation) error {
	if c == nil {
		return fmt.Errorf("conversation is nil")
	}
	turn, _ := c.TurnByID(m.turnID)
	if turn == nil {
		return fmt.Errorf("turn %s not found", m.turnID)
	}
	if m.turnRemoteID != "" {
		turn.RemoteID = m.turnRemoteID
	}
	for _, r := range turn.Responses {
		if remote, ok := m.responseIDs[r.LocalID]; ok && remote != "" {
			r.RemoteID = remote
		}
	}
	return nil
}

func (m setRemoteIDsMutation) Name() string { return "set_remote_ids" }

// MutateSetRemoteIDs records the remote ids handed back by the persistence
// service after a fold round-trip. Only the reconciler issues this.
func MutateSetRemoteIDs(turnID, turnRemoteID string, responseIDs map[string]string) Mutation {
	return setRemoteIDsMutation{turnID: turnID, turnRemoteID: turnRemoteID, responseIDs: responseIDs}
}

type setUserMessageMutation struct {
	turnID string
	text   string
}

func (m setUserMessageMutation) Apply(c *Conversation) error {
	if c == nil {
		return fmt.Errorf("conversation is nil")
	}
	if strings.TrimSpace(m.text) == "" {
		return fmt.Errorf("user message is empty")
	}
	turn, _ := c.TurnByID(m.turnID)
	if turn == nil {
		return fmt.Errorf("turn %s not found", m.turnID)
	}
	turn.UserMessage = m.text
	return nil
}

func (m setUserMessageMutation) Name() string { return "set_user_message" }

// MutateSetUserMessage rewrites a turn's user message (edit-and-resend).
func MutateSetUserMessage(turnID, text string) Mutation {
	return setUserMessageMutation{turnID: turnID, text: text}
}

func findResponse(c *Conversation, turnID, responseID string) (*Response, error) {
	if c == nil {
		return nil, fmt.Errorf("conversation is nil")
	}
	turn, _ := c.TurnByID(turnID)
	if turn == nil {
		return nil, fmt.Errorf("turn %s not found", turnID)
	}
	resp := turn.ResponseByID(responseID)
	if resp == nil {
		return nil, fmt.Errorf("response %s not found in turn %s", responseID, turnID)
	}
	return resp, nil
}

func indexInRange(i, length int) bool {
	return i >= 0 && i < length
}

func moveElement[T any](s []T, from, to int) {
	if from == to {
		return
	}
	el := s[from]
	if from < to {
		copy(s[from:to], s[from+1:to+1])
	} else {
		copy(s[to+1:from+1], s[to:from])
	}
	s[to] = el
}
