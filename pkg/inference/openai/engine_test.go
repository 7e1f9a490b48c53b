package openai

import (
	"testing"

	go_openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amo808/multiprovider/pkg/conversation"
	"github.com/Amo808/multiprovider/pkg/inference/engine"
)

func TestMakeRequestInjectsSystemPrompt(t *testing.T) {
	req := engine.Request{
		Model: "gpt-4o",
		Messages: []conversation.Message{
			{Role: conversation.RoleUser, Content: "hi"},
		},
		Config: engine.Config{SystemPrompt: "Be terse."},
	}
	apiReq := makeRequest(req)

	require.Len(t, apiReq.Messages, 2)
	assert.Equal(t, go_openai.ChatMessageRoleSystem, apiReq.Messages[0].Role)
	assert.Equal(t, "Be terse.", apiReq.Messages[0].Content)
	assert.Equal(t, go_openai.ChatMessageRoleUser, apiReq.Messages[1].Role)
	assert.True(t, apiReq.Stream)
}

func TestMakeRequestKeepsComposedSystemMessage(t *testing.T) {
	req := engine.Request{
		Model: "gpt-4o",
		Messages: []conversation.Message{
			{Role: conversation.RoleSystem, Content: "composed system"},
			{Role: conversation.RoleUser, Content: "hi"},
		},
		Config: engine.Config{SystemPrompt: "ignored"},
	}
	apiReq := makeRequest(req)

	require.Len(t, apiReq.Messages, 2, "the composed system message wins over the config prompt")
	assert.Equal(t, "composed system", apiReq.Messages[0].Content)
}

func TestMakeRequestAppliesConfig(t *testing.T) {
	req := engine.Request{
		Model: "gpt-4o",
		Messages: []conversation.Message{
			{Role: conversation.RoleUser, Content: "hi"},
		},
		Config: engine.Config{
			Temperature: engine.Float64Ptr(0.2),
			TopP:        engine.Float64Ptr(0.9),
			MaxTokens:   engine.IntPtr(512),
			Stop:        []string{"END"},
		},
	}
	apiReq := makeRequest(req)

	assert.InDelta(t, 0.2, float64(apiReq.Temperature), 1e-6)
	assert.InDelta(t, 0.9, float64(apiReq.TopP), 1e-6)
	assert.Equal(t, 512, apiReq.MaxTokens)
	assert.Equal(t, []string{"END"}, apiReq.Stop)
}

func TestAPIRoleMapping(t *testing.T) {
	assert.Equal(t, go_openai.ChatMessageRoleAssistant, apiRole(conversation.RoleAssistant))
	assert.Equal(t, go_openai.ChatMessageRoleSystem, apiRole(conversation.RoleSystem))
	assert.Equal(t, go_openai.ChatMessageRoleUser, apiRole(conversation.RoleUser))
	assert.Equal(t, go_openai.ChatMessageRoleUser, apiRole(conversation.Role("weird")))
}
