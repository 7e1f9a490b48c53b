package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Amo808/multiprovider/pkg/conversation"
)

func TestCountKnownModel(t *testing.T) {
	e := NewEstimator()
	n := e.Count("gpt-4", "Hello, world!")
	assert.Greater(t, n, 0)
	assert.Less(t, n, 10)
}

func TestCountUnknownModelFallsBack(t *testing.T) {
	e := NewEstimator()
	n := e.Count("some-future-model", "one two three four")
	assert.Greater(t, n, 0)
}

func TestCountEmpty(t *testing.T) {
	e := NewEstimator()
	assert.Zero(t, e.Count("gpt-4", ""))
}

func TestCountMessages(t *testing.T) {
	e := NewEstimator()
	messages := []conversation.Message{
		{Role: conversation.RoleSystem, Content: "You are terse."},
		{Role: conversation.RoleUser, Content: "Say hi."},
	}
	total := e.CountMessages("gpt-4", messages)
	assert.Equal(t, e.Count("gpt-4", messages[0].Content)+e.Count("gpt-4", messages[1].Content), total)
}

func TestEstimateCost(t *testing.T) {
	e := NewEstimator()
	cost := e.EstimateCost("gpt-4o", 1_000_000, 1_000_000)
	assert.InDelta(t, 12.50, cost, 1e-9)

	assert.Zero(t, e.EstimateCost("mystery-model", 1000, 1000))

	e.SetPrice("mystery-model", Price{InputPerMTok: 1, OutputPerMTok: 2})
	assert.InDelta(t, 3.0, e.EstimateCost("mystery-model", 1_000_000, 1_000_000), 1e-9)
}
