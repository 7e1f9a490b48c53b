package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amo808/multiprovider/pkg/conversation"
	"github.com/Amo808/multiprovider/pkg/inference/dispatch"
	"github.com/Amo808/multiprovider/pkg/inference/engine"
	"github.com/Amo808/multiprovider/pkg/inference/enginetest"
	"github.com/Amo808/multiprovider/pkg/optimistic"
	"github.com/Amo808/multiprovider/pkg/retrieval"
)

func newManager(t *testing.T, options ...Option) (*Manager, *enginetest.ScriptedEngine) {
	t.Helper()
	store := conversation.NewStore(conversation.NewConversation("conv-1"))
	eng := enginetest.NewScriptedEngine()
	m := NewManager(store, engine.StaticResolver{"test": eng}, options...)
	return m, eng
}

func requestFor(t *testing.T, eng *enginetest.ScriptedEngine, model conversation.ModelID) engine.Request {
	t.Helper()
	for _, req := range eng.Requests() {
		if req.Model == model {
			return req
		}
	}
	t.Fatalf("no request seen for model %s", model)
	return engine.Request{}
}

func lastRequestFor(t *testing.T, eng *enginetest.ScriptedEngine, model conversation.ModelID) engine.Request {
	t.Helper()
	var found *engine.Request
	for _, req := range eng.Requests() {
		if req.Model == model {
			req := req
			found = &req
		}
	}
	require.NotNilf(t, found, "no request seen for model %s", model)
	return *found
}

func send(t *testing.T, m *Manager, text string, models ...conversation.ModelID) {
	t.Helper()
	slots := make([]ModelSlot, len(models))
	for i, model := range models {
		slots[i] = ModelSlot{Model: model, Provider: "test"}
	}
	batch, err := m.Send(context.Background(), text, slots)
	require.NoError(t, err)
	require.NoError(t, batch.Wait())
}

func TestSendFirstComposition(t *testing.T) {
	m, eng := newManager(t,
		WithSystemPrompt("You are concise."),
		WithRetrieval(retrieval.NewStaticProvider("Relevant excerpt.")))
	eng.SetScript("m1", enginetest.TextScript("answer", nil))

	send(t, m, "what is this?", "m1")

	req := requestFor(t, eng, "m1")
	require.Len(t, req.Messages, 3)
	assert.Equal(t, conversation.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "You are concise.", req.Messages[0].Content)
	assert.Equal(t, "Relevant excerpt.", req.Messages[1].Content)
	assert.Equal(t, "what is this?", req.Messages[2].Content)
}

func TestSendEmptyMessageRefused(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Send(context.Background(), "   \n", []ModelSlot{{Model: "m1", Provider: "test"}})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, m.Store().Snapshot().Turns)
}

func TestSendSharedHistoryComposition(t *testing.T) {
	m, eng := newManager(t)
	m.Store().SetSharedHistory(true)
	eng.SetScript("m1", enginetest.TextScript("first answer", nil))
	eng.SetScript("m2", enginetest.TextScript("second answer", nil))

	send(t, m, "question one", "m1", "m2")
	send(t, m, "question two", "m1")

	req := lastRequestFor(t, eng, "m1")
	// user 1, synthesized assistant, user 2
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "question one", req.Messages[0].Content)
	assert.Equal(t, conversation.RoleAssistant, req.Messages[1].Role)
	assert.Contains(t, req.Messages[1].Content, "[m1]:\nfirst answer")
	assert.Contains(t, req.Messages[1].Content, "[m2]:\nsecond answer")
	assert.Equal(t, "question two", req.Messages[2].Content)
}

func TestSendWithoutSharedHistoryIsBare(t *testing.T) {
	m, eng := newManager(t)
	eng.SetScript("m1", enginetest.TextScript("a", nil))

	send(t, m, "question one", "m1")
	send(t, m, "question two", "m1")

	req := lastRequestFor(t, eng, "m1")
	require.Len(t, req.Messages, 1, "with shared history off, no transcript is fed back")
	assert.Equal(t, "question two", req.Messages[0].Content)
}

func TestRetrievalOnlyOnFirstSend(t *testing.T) {
	m, eng := newManager(t, WithRetrieval(retrieval.NewStaticProvider("context block")))
	m.Store().SetSharedHistory(true)
	eng.SetScript("m1", enginetest.TextScript("a", nil))

	send(t, m, "one", "m1")
	send(t, m, "two", "m1")

	first := eng.Requests()[0]
	assert.Equal(t, "context block", first.Messages[0].Content)
	second := lastRequestFor(t, eng, "m1")
	for _, msg := range second.Messages {
		assert.NotEqual(t, "context block", msg.Content, "document context is a first-send concern")
	}
}

func TestRegenerateUsesPriorTurnsOnly(t *testing.T) {
	m, eng := newManager(t)
	m.Store().SetSharedHistory(true)
	eng.SetScript("m1", enginetest.TextScript("answer one", nil))
	send(t, m, "question one", "m1")
	eng.SetScript("m1", enginetest.TextScript("answer two", nil))
	send(t, m, "question two", "m1")

	snap := m.Store().Snapshot()
	require.Len(t, snap.Turns, 2)
	target := snap.Turns[1]

	eng.SetScript("m1", enginetest.TextScript("redone", nil))
	batch, err := m.Regenerate(context.Background(), target.LocalID, target.Responses[0].LocalID)
	require.NoError(t, err)
	require.NoError(t, batch.Wait())

	req := lastRequestFor(t, eng, "m1")
	// turn 1 user + assistant, then the target's own user message; the
	// target's old answer must not appear.
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "question one", req.Messages[0].Content)
	assert.Equal(t, "question two", req.Messages[2].Content)
	for _, msg := range req.Messages {
		assert.NotContains(t, msg.Content, "answer two")
	}

	after := m.Store().Snapshot()
	require.Len(t, after.Turns, 2)
	assert.Equal(t, "redone", after.Turns[1].Responses[0].Content)
}

func TestSmartRegenerateSpansConversationAndExcludesTarget(t *testing.T) {
	m, eng := newManager(t)
	m.Store().SetSharedHistory(true)
	eng.SetScript("m1", enginetest.TextScript("target answer", nil))
	eng.SetScript("m2", enginetest.TextScript("sibling answer", nil))
	send(t, m, "question one", "m1", "m2")
	eng.SetScript("m1", enginetest.TextScript("later answer", nil))
	send(t, m, "question two", "m1")

	snap := m.Store().Snapshot()
	turn1 := snap.Turns[0]
	targetResp := turn1.ResponseByModel("m1")

	eng.SetScript("m1", enginetest.TextScript("improved", nil))
	batch, err := m.SmartRegenerate(context.Background(), turn1.LocalID, targetResp.LocalID, "be more formal")
	require.NoError(t, err)
	require.NoError(t, batch.Wait())

	req := lastRequestFor(t, eng, "m1")
	var all string
	for _, msg := range req.Messages {
		all += msg.Content + "\n"
	}
	assert.NotContains(t, all, "target answer", "the regenerated response's own content is excluded")
	assert.Contains(t, all, "sibling answer", "other responses of the same turn stay visible")
	assert.Contains(t, all, "question two", "later turns are visible to smart regenerate")
	assert.Contains(t, all, "Additional instructions for the regenerated answer:\nbe more formal")
	assert.Equal(t, "question one", req.Messages[len(req.Messages)-1].Content)

	after := m.Store().Snapshot()
	assert.Equal(t, "improved", after.Turns[0].ResponseByModel("m1").Content)
}

func TestToggleResponseEnabledAffectsNextComposition(t *testing.T) {
	m, eng := newManager(t)
	m.Store().SetSharedHistory(true)
	eng.SetScript("m1", enginetest.TextScript("keep me", nil))
	eng.SetScript("m2", enginetest.TextScript("hide me", nil))

	send(t, m, "one", "m1", "m2")
	turn := m.Store().Snapshot().Turns[0]
	require.NoError(t, m.ToggleResponseEnabled(context.Background(), turn.LocalID, 1))

	send(t, m, "two", "m1")
	req := lastRequestFor(t, eng, "m1")
	var all string
	for _, msg := range req.Messages {
		all += msg.Content + "\n"
	}
	assert.Contains(t, all, "keep me")
	assert.NotContains(t, all, "hide me")

	// The response itself is retained, only excluded from composition.
	assert.False(t, m.Store().Snapshot().Turns[0].Responses[1].Enabled)
	assert.Equal(t, "hide me", m.Store().Snapshot().Turns[0].Responses[1].Content)
}

func TestEditAndResendRegeneratesWholeTurn(t *testing.T) {
	m, eng := newManager(t)
	eng.SetScript("m1", enginetest.TextScript("old a", nil))
	eng.SetScript("m2", enginetest.TextScript("old b", nil))

	send(t, m, "original question", "m1", "m2")
	turnID := m.Store().Snapshot().Turns[0].LocalID

	eng.SetScript("m1", enginetest.TextScript("new a", nil))
	eng.SetScript("m2", enginetest.TextScript("new b", nil))
	batch, err := m.EditAndResend(context.Background(), turnID, "better question")
	require.NoError(t, err)
	require.NoError(t, batch.Wait())

	snap := m.Store().Snapshot()
	require.Len(t, snap.Turns, 1)
	assert.Equal(t, "better question", snap.Turns[0].UserMessage)
	assert.Equal(t, "new a", snap.Turns[0].ResponseByModel("m1").Content)
	assert.Equal(t, "new b", snap.Turns[0].ResponseByModel("m2").Content)

	req := lastRequestFor(t, eng, "m1")
	assert.Equal(t, "better question", req.Messages[len(req.Messages)-1].Content)
}

func TestStopCancelsActiveBatch(t *testing.T) {
	m, eng := newManager(t)
	hold := make(chan struct{})
	script := enginetest.TextScript("endless", nil)
	script.Hold = hold
	eng.SetScript("m1", script)

	batch, err := m.Send(context.Background(), "q", []ModelSlot{{Model: "m1", Provider: "test"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return batch.Responses()[0].Content != ""
	}, 2*time.Second, time.Millisecond)

	m.Stop()
	require.NoError(t, batch.Wait())

	snap := m.Store().Snapshot()
	require.Len(t, snap.Turns, 1)
	resp := snap.Turns[0].Responses[0]
	assert.Equal(t, conversation.StatusCancelled, resp.Status)
	assert.NotEmpty(t, resp.Content)
}

func TestReorderAndDeleteThroughManager(t *testing.T) {
	m, eng := newManager(t)
	eng.SetScript("m1", enginetest.TextScript("a", nil))
	eng.SetScript("m2", enginetest.TextScript("b", nil))

	send(t, m, "q", "m1", "m2")
	turn := m.Store().Snapshot().Turns[0]

	require.NoError(t, m.ReorderResponses(context.Background(), turn.LocalID, 0, 1))
	after := m.Store().Snapshot().Turns[0]
	assert.Equal(t, conversation.ModelID("m2"), after.Responses[0].Model)

	require.NoError(t, m.DeleteResponse(context.Background(), turn.LocalID, after.Responses[0].LocalID))
	assert.Len(t, m.Store().Snapshot().Turns[0].Responses, 1)

	require.NoError(t, m.DeleteTurn(context.Background(), turn.LocalID))
	assert.Empty(t, m.Store().Snapshot().Turns)
}

// blockingRemote parks a turn reorder until released, so tests can observe
// the store mid round-trip.
type blockingRemote struct {
	optimistic.NullRemote
	entered chan struct{}
	release chan struct{}
}

func (r *blockingRemote) ReorderTurns(_ context.Context, _ string, orderedIDs []string) ([]string, error) {
	close(r.entered)
	<-r.release
	return orderedIDs, nil
}

func TestSendRefusedDuringReorderRoundTrip(t *testing.T) {
	remote := &blockingRemote{entered: make(chan struct{}), release: make(chan struct{})}
	m, eng := newManager(t, WithRemote(remote))

	eng.SetScript("m1", enginetest.TextScript("first answer", nil))
	send(t, m, "first question", "m1")
	eng.SetScript("m1", enginetest.TextScript("second answer", nil))
	send(t, m, "second question", "m1")

	// The round-trip only reaches the remote once every turn is persisted.
	snap := m.Store().Snapshot()
	require.NoError(t, m.Store().Apply(conversation.MutateSetRemoteIDs(snap.Turns[0].LocalID, "rt-1", nil)))
	require.NoError(t, m.Store().Apply(conversation.MutateSetRemoteIDs(snap.Turns[1].LocalID, "rt-2", nil)))

	reorderDone := make(chan error, 1)
	go func() {
		reorderDone <- m.ReorderTurns(context.Background(), 0, 1)
	}()
	<-remote.entered

	// A send folding a new turn now would be erased when the round-trip
	// reconciles from its pre-mutation snapshot; it must be refused.
	eng.SetScript("m1", enginetest.TextScript("third answer", nil))
	_, err := m.Send(context.Background(), "third question", []ModelSlot{{Model: "m1", Provider: "test"}})
	assert.ErrorIs(t, err, dispatch.ErrReorderActive)

	close(remote.release)
	require.NoError(t, <-reorderDone)

	send(t, m, "third question", "m1")

	snap = m.Store().Snapshot()
	require.Len(t, snap.Turns, 3)
	assert.Equal(t, "second question", snap.Turns[0].UserMessage)
	assert.Equal(t, "first question", snap.Turns[1].UserMessage)
	assert.Equal(t, "third question", snap.Turns[2].UserMessage)
	assert.Equal(t, "third answer", snap.Turns[2].Responses[0].Content)
}
