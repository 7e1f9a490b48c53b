package conversation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conversationWithHistory(t *testing.T) *Conversation {
	t.Helper()
	conv := NewConversation("conv-1")
	conv.SharedHistory = true

	gpt := NewResponse("gpt", "openai")
	gpt.Content = "Hello"
	gpt.Status = StatusComplete
	claude := NewResponse("claude", "anthropic")
	claude.Content = "Hey"
	claude.Status = StatusComplete
	conv.Turns = append(conv.Turns, NewTurn("Hi", []*Response{gpt, claude}, WithTurnID("turn-1")))

	gpt2 := NewResponse("gpt", "openai")
	gpt2.Content = "Second answer"
	gpt2.Status = StatusComplete
	conv.Turns = append(conv.Turns, NewTurn("Tell me more", []*Response{gpt2}, WithTurnID("turn-2")))
	return conv
}

func TestFirstSendOrdering(t *testing.T) {
	c := NewComposer()
	msgs := c.FirstSend("be terse", "doc context", "Explain X")
	require.Len(t, msgs, 3)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, "doc context", msgs[1].Content)
	assert.Equal(t, "Explain X", msgs[2].Content)
}

func TestFirstSendWithoutOptionalBlocks(t *testing.T) {
	c := NewComposer()
	msgs := c.FirstSend("", "", "Explain X")
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleUser, msgs[0].Role)
}

func TestSharedHistoryTagsModelsAndJoins(t *testing.T) {
	conv := conversationWithHistory(t)
	c := NewComposer()
	msgs := c.SharedHistory(conv, "", "", "next question")

	// turn-1 user, turn-1 assistant, turn-2 user, turn-2 assistant, new user
	require.Len(t, msgs, 5)
	assistant := msgs[1]
	require.Equal(t, RoleAssistant, assistant.Role)
	assert.Contains(t, assistant.Content, "[gpt]:\nHello")
	assert.Contains(t, assistant.Content, "[claude]:\nHey")
	assert.Contains(t, assistant.Content, DefaultResponseSeparator)
	assert.Equal(t, "next question", msgs[4].Content)
}

func TestSharedHistoryExcludesDisabledResponses(t *testing.T) {
	conv := conversationWithHistory(t)
	conv.Turns[0].Responses[1].Enabled = false

	c := NewComposer()
	msgs := c.SharedHistory(conv, "", "", "next")
	for _, m := range msgs {
		assert.NotContains(t, m.Content, "Hey", "disabled response content must never be composed")
	}
	assert.Contains(t, msgs[1].Content, "[gpt]:\nHello")
}

func TestSharedHistoryTurnWithNoEnabledResponses(t *testing.T) {
	conv := conversationWithHistory(t)
	for _, r := range conv.Turns[0].Responses {
		r.Enabled = false
	}
	c := NewComposer()
	msgs := c.SharedHistory(conv, "", "", "next")
	// turn-1 contributes only its user message now.
	require.Equal(t, RoleUser, msgs[0].Role)
	require.Equal(t, "Hi", msgs[0].Content)
	require.Equal(t, RoleUser, msgs[1].Role)
	require.Equal(t, "Tell me more", msgs[1].Content)
}

func TestRegenerateUsesOnlyPriorTurns(t *testing.T) {
	conv := conversationWithHistory(t)
	c := NewComposer()
	msgs, err := c.Regenerate(conv, "turn-2", "sys")
	require.NoError(t, err)

	// system, turn-1 user, turn-1 assistant, target user message
	require.Len(t, msgs, 4)
	assert.Equal(t, "sys", msgs[0].Content)
	assert.Equal(t, "Hi", msgs[1].Content)
	assert.Equal(t, "Tell me more", msgs[3].Content)
	for _, m := range msgs {
		assert.NotContains(t, m.Content, "Second answer", "target turn's own responses must not leak")
	}
}

func TestRegenerateUnknownTurn(t *testing.T) {
	conv := conversationWithHistory(t)
	_, err := NewComposer().Regenerate(conv, "nope", "")
	require.Error(t, err)
}

func TestSmartRegenerateSpansWholeConversation(t *testing.T) {
	conv := conversationWithHistory(t)
	target := conv.Turns[0]
	c := NewComposer()
	msgs, err := c.SmartRegenerate(conv, target.LocalID, target.Responses[0].LocalID, "be funnier", "")
	require.NoError(t, err)

	joined := strings.Builder{}
	for _, m := range msgs {
		joined.WriteString(m.Content)
		joined.WriteString("\n")
	}
	all := joined.String()
	assert.NotContains(t, all, "Hello", "target response's own prior content is excluded")
	assert.Contains(t, all, "Hey", "sibling responses stay in context")
	assert.Contains(t, all, "Second answer", "future turns are included")
	assert.Contains(t, all, "be funnier")
	// Instruction block sits after the transcript, before the user message.
	require.GreaterOrEqual(t, len(msgs), 2)
	assert.Contains(t, msgs[len(msgs)-2].Content, "be funnier")
	assert.Equal(t, target.UserMessage, msgs[len(msgs)-1].Content)
}

func TestDefaultTitleTruncates(t *testing.T) {
	long := strings.Repeat("word ", 30)
	title := DefaultTitle(long)
	assert.LessOrEqual(t, len([]rune(title)), 64)
	assert.Equal(t, "first line", DefaultTitle("first line\nsecond line"))
}
