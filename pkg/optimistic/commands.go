package optimistic

import (
	"context"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"

	"github.com/Amo808/multiprovider/pkg/conversation"
)

// Remote is the narrow persistence surface the commands commit against. All
// ids are remote ids; entities that never reached the remote are committed
// locally only.
type Remote interface {
	ReorderResponses(ctx context.Context, conversationID, turnID string, orderedIDs []string) ([]string, error)
	ReorderTurns(ctx context.Context, conversationID string, orderedIDs []string) ([]string, error)
	DeleteResponse(ctx context.Context, conversationID, responseID string) error
	DeleteTurn(ctx context.Context, conversationID, turnID string) error
	UpdateTurn(ctx context.Context, conversationID, turnID, userMessage string) error
}

// NullRemote accepts every commit without side effects. Used when no
// persistence backend is configured; the optimistic guess always stands.
type NullRemote struct{}

func (NullRemote) ReorderResponses(_ context.Context, _, _ string, orderedIDs []string) ([]string, error) {
	return orderedIDs, nil
}

func (NullRemote) ReorderTurns(_ context.Context, _ string, orderedIDs []string) ([]string, error) {
	return orderedIDs, nil
}

func (NullRemote) DeleteResponse(context.Context, string, string) error { return nil }
func (NullRemote) DeleteTurn(context.Context, string, string) error     { return nil }
func (NullRemote) UpdateTurn(context.Context, string, string, string) error {
	return nil
}

var _ Remote = NullRemote{}

type reorderResponsesCommand struct {
	store  *conversation.Store
	remote Remote
	turnID string
	from   int
	to     int

	turnRemoteID string
	saved        []*conversation.Response
}

// ReorderResponses moves a response within its turn, optimistically, and
// reconciles with the ordering the remote hands back.
func ReorderResponses(store *conversation.Store, remote Remote, turnID string, from, to int) Command {
	return &reorderResponsesCommand{store: store, remote: remote, turnID: turnID, from: from, to: to}
}

func (c *reorderResponsesCommand) Name() string { return "reorder_responses" }

func (c *reorderResponsesCommand) structuralRoundTrip() {}

func (c *reorderResponsesCommand) Apply() error {
	snap := c.store.Snapshot()
	turn, _ := snap.TurnByID(c.turnID)
	if turn == nil {
		return errors.Wrapf(ErrRejected, "turn %s not found", c.turnID)
	}
	c.turnRemoteID = turn.RemoteID
	c.saved = clone.Clone(turn.Responses).([]*conversation.Response)

	// The runner holds the round-trip guard, which ApplyChecked would refuse;
	// apply directly and treat a failed move as a rejection.
	if err := c.store.Apply(conversation.MutateReorderResponse(c.turnID, c.from, c.to)); err != nil {
		return errors.Wrapf(ErrRejected, "%v", err)
	}
	return nil
}

func (c *reorderResponsesCommand) CommitRemote(ctx context.Context) (*Result, error) {
	if c.turnRemoteID == "" {
		// The turn never reached the remote; the optimistic order stands.
		return nil, nil
	}
	snap := c.store.Snapshot()
	turn, _ := snap.TurnByID(c.turnID)
	if turn == nil {
		return nil, errors.Errorf("turn %s vanished during reorder", c.turnID)
	}
	ordered := make([]string, 0, len(turn.Responses))
	for _, r := range turn.Responses {
		if r.RemoteID == "" {
			return nil, nil
		}
		ordered = append(ordered, r.RemoteID)
	}
	authoritative, err := c.remote.ReorderResponses(ctx, snap.ID, c.turnRemoteID, ordered)
	if err != nil {
		return nil, err
	}
	return &Result{OrderedRemoteIDs: authoritative}, nil
}

func (c *reorderResponsesCommand) Confirm(res *Result) error {
	if res == nil {
		return nil
	}
	snap := c.store.Snapshot()
	turn, _ := snap.TurnByID(c.turnID)
	if turn == nil {
		return errors.Errorf("turn %s vanished during reorder", c.turnID)
	}
	ordered, ok := orderByRemoteIDs(turn.Responses, res.OrderedRemoteIDs)
	if !ok {
		return ErrRemoteInvalid
	}
	return c.store.Apply(conversation.MutateSetTurnResponses(c.turnID, ordered))
}

func (c *reorderResponsesCommand) Rollback() error {
	return c.store.Apply(conversation.MutateSetTurnResponses(c.turnID, c.saved))
}

type reorderTurnsCommand struct {
	store  *conversation.Store
	remote Remote
	from   int
	to     int

	saved []*conversation.Turn
}

// ReorderTurns moves a whole turn within the conversation.
func ReorderTurns(store *conversation.Store, remote Remote, from, to int) Command {
	return &reorderTurnsCommand{store: store, remote: remote, from: from, to: to}
}

func (c *reorderTurnsCommand) Name() string { return "reorder_turns" }

func (c *reorderTurnsCommand) structuralRoundTrip() {}

func (c *reorderTurnsCommand) Apply() error {
	snap := c.store.Snapshot()
	c.saved = clone.Clone(snap.Turns).([]*conversation.Turn)

	if err := c.store.Apply(conversation.MutateReorderTurn(c.from, c.to)); err != nil {
		return errors.Wrapf(ErrRejected, "%v", err)
	}
	return nil
}

func (c *reorderTurnsCommand) CommitRemote(ctx context.Context) (*Result, error) {
	snap := c.store.Snapshot()
	ordered := make([]string, 0, len(snap.Turns))
	for _, t := range snap.Turns {
		if t.RemoteID == "" {
			return nil, nil
		}
		ordered = append(ordered, t.RemoteID)
	}
	authoritative, err := c.remote.ReorderTurns(ctx, snap.ID, ordered)
	if err != nil {
		return nil, err
	}
	return &Result{OrderedRemoteIDs: authoritative}, nil
}

func (c *reorderTurnsCommand) Confirm(res *Result) error {
	if res == nil {
		return nil
	}
	snap := c.store.Snapshot()
	ordered, ok := orderTurnsByRemoteIDs(snap.Turns, res.OrderedRemoteIDs)
	if !ok {
		return ErrRemoteInvalid
	}
	return c.store.Apply(conversation.MutateSetTurns(ordered))
}

func (c *reorderTurnsCommand) Rollback() error {
	return c.store.Apply(conversation.MutateSetTurns(c.saved))
}

type deleteResponseCommand struct {
	store      *conversation.Store
	remote     Remote
	turnID     string
	responseID string

	remoteID string
	saved    []*conversation.Turn
}

// DeleteResponse removes one response; deleting the last response of a turn
// removes the turn as well, and a remote failure restores both exactly.
func DeleteResponse(store *conversation.Store, remote Remote, turnID, responseID string) Command {
	return &deleteResponseCommand{store: store, remote: remote, turnID: turnID, responseID: responseID}
}

func (c *deleteResponseCommand) Name() string { return "delete_response" }

func (c *deleteResponseCommand) structuralRoundTrip() {}

func (c *deleteResponseCommand) Apply() error {
	snap := c.store.Snapshot()
	turn, _ := snap.TurnByID(c.turnID)
	if turn == nil {
		return errors.Wrapf(ErrRejected, "turn %s not found", c.turnID)
	}
	resp := turn.ResponseByID(c.responseID)
	if resp == nil {
		return errors.Wrapf(ErrRejected, "response %s not found", c.responseID)
	}
	c.remoteID = resp.RemoteID
	c.saved = clone.Clone(snap.Turns).([]*conversation.Turn)

	return c.store.Apply(conversation.MutateDeleteResponse(c.turnID, c.responseID))
}

func (c *deleteResponseCommand) CommitRemote(ctx context.Context) (*Result, error) {
	if c.remoteID == "" {
		return nil, nil
	}
	return nil, c.remote.DeleteResponse(ctx, c.store.ID(), c.remoteID)
}

func (c *deleteResponseCommand) Confirm(*Result) error { return nil }

func (c *deleteResponseCommand) Rollback() error {
	return c.store.Apply(conversation.MutateSetTurns(c.saved))
}

type deleteTurnCommand struct {
	store  *conversation.Store
	remote Remote
	turnID string

	remoteID string
	saved    []*conversation.Turn
}

// DeleteTurn removes a whole turn with its responses.
func DeleteTurn(store *conversation.Store, remote Remote, turnID string) Command {
	return &deleteTurnCommand{store: store, remote: remote, turnID: turnID}
}

func (c *deleteTurnCommand) Name() string { return "delete_turn" }

func (c *deleteTurnCommand) structuralRoundTrip() {}

func (c *deleteTurnCommand) Apply() error {
	snap := c.store.Snapshot()
	turn, _ := snap.TurnByID(c.turnID)
	if turn == nil {
		return errors.Wrapf(ErrRejected, "turn %s not found", c.turnID)
	}
	c.remoteID = turn.RemoteID
	c.saved = clone.Clone(snap.Turns).([]*conversation.Turn)

	return c.store.Apply(conversation.MutateDeleteTurn(c.turnID))
}

func (c *deleteTurnCommand) CommitRemote(ctx context.Context) (*Result, error) {
	if c.remoteID == "" {
		return nil, nil
	}
	return nil, c.remote.DeleteTurn(ctx, c.store.ID(), c.remoteID)
}

func (c *deleteTurnCommand) Confirm(*Result) error { return nil }

func (c *deleteTurnCommand) Rollback() error {
	return c.store.Apply(conversation.MutateSetTurns(c.saved))
}

type editUserMessageCommand struct {
	store  *conversation.Store
	remote Remote
	turnID string
	text   string

	remoteID string
	previous string
}

// EditUserMessage rewrites a turn's user message. It is not structural: it
// does not take the round-trip guard, only the streaming check.
func EditUserMessage(store *conversation.Store, remote Remote, turnID, text string) Command {
	return &editUserMessageCommand{store: store, remote: remote, turnID: turnID, text: text}
}

func (c *editUserMessageCommand) Name() string { return "edit_user_message" }

func (c *editUserMessageCommand) Apply() error {
	snap := c.store.Snapshot()
	turn, _ := snap.TurnByID(c.turnID)
	if turn == nil {
		return errors.Wrapf(ErrRejected, "turn %s not found", c.turnID)
	}
	c.remoteID = turn.RemoteID
	c.previous = turn.UserMessage

	return c.store.Apply(conversation.MutateSetUserMessage(c.turnID, c.text))
}

func (c *editUserMessageCommand) CommitRemote(ctx context.Context) (*Result, error) {
	if c.remoteID == "" {
		return nil, nil
	}
	return nil, c.remote.UpdateTurn(ctx, c.store.ID(), c.remoteID, c.text)
}

func (c *editUserMessageCommand) Confirm(*Result) error { return nil }

func (c *editUserMessageCommand) Rollback() error {
	return c.store.Apply(conversation.MutateSetUserMessage(c.turnID, c.previous))
}

// orderByRemoteIDs rebuilds the response list in the remote's order. Reports
// false when the remote list does not match the local set exactly.
func orderByRemoteIDs(responses []*conversation.Response, remoteIDs []string) ([]*conversation.Response, bool) {
	if len(remoteIDs) != len(responses) {
		return nil, false
	}
	byRemote := make(map[string]*conversation.Response, len(responses))
	for _, r := range responses {
		byRemote[r.RemoteID] = r
	}
	ordered := make([]*conversation.Response, 0, len(remoteIDs))
	for _, id := range remoteIDs {
		r, ok := byRemote[id]
		if !ok {
			return nil, false
		}
		ordered = append(ordered, r)
	}
	return ordered, true
}

func orderTurnsByRemoteIDs(turns []*conversation.Turn, remoteIDs []string) ([]*conversation.Turn, bool) {
	if len(remoteIDs) != len(turns) {
		return nil, false
	}
	byRemote := make(map[string]*conversation.Turn, len(turns))
	for _, t := range turns {
		byRemote[t.RemoteID] = t
	}
	ordered := make([]*conversation.Turn, 0, len(remoteIDs))
	for _, id := range remoteIDs {
		t, ok := byRemote[id]
		if !ok {
			return nil, false
		}
		ordered = append(ordered, t)
	}
	return ordered, true
}
