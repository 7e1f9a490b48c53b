package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOverrideWins(t *testing.T) {
	global := Config{
		Temperature:  Float64Ptr(0.7),
		MaxTokens:    IntPtr(1024),
		SystemPrompt: "global",
	}
	merged := global.Merge(&Config{
		Temperature: Float64Ptr(0.1),
		Stop:        []string{"\n\n"},
	})

	require.NotNil(t, merged.Temperature)
	assert.Equal(t, 0.1, *merged.Temperature)
	require.NotNil(t, merged.MaxTokens)
	assert.Equal(t, 1024, *merged.MaxTokens, "unset override fields keep the global value")
	assert.Equal(t, []string{"\n\n"}, merged.Stop)
	assert.Equal(t, "global", merged.SystemPrompt)
}

func TestMergeNilOverride(t *testing.T) {
	global := Config{MaxTokens: IntPtr(256)}
	merged := global.Merge(nil)
	require.NotNil(t, merged.MaxTokens)
	assert.Equal(t, 256, *merged.MaxTokens)
}

func TestResolveConfigModelValueWins(t *testing.T) {
	settings := StaticSettings{
		"gpt": {Temperature: Float64Ptr(0.2)},
	}
	global := Config{Temperature: Float64Ptr(0.9)}

	resolved := ResolveConfig(global, settings, "gpt")
	assert.Equal(t, 0.2, *resolved.Temperature)

	unknown := ResolveConfig(global, settings, "claude")
	assert.Equal(t, 0.9, *unknown.Temperature)

	noService := ResolveConfig(global, nil, "gpt")
	assert.Equal(t, 0.9, *noService.Temperature)
}
