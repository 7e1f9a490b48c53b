package engine

import "github.com/Amo808/multiprovider/pkg/conversation"

// Config holds generation parameters. Fields use pointer types so that nil
// means "not set, use the provider default"; merged configs resolve
// per-model overrides over globals, model value winning.
type Config struct {
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty" yaml:"stop,omitempty"`

	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// Merge overlays the override onto the receiver and returns the result.
// Every set field of the override wins.
func (c Config) Merge(override *Config) Config {
	if override == nil {
		return c
	}
	out := c
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.TopP != nil {
		out.TopP = override.TopP
	}
	if override.MaxTokens != nil {
		out.MaxTokens = override.MaxTokens
	}
	if len(override.Stop) > 0 {
		out.Stop = override.Stop
	}
	if override.SystemPrompt != "" {
		out.SystemPrompt = override.SystemPrompt
	}
	return out
}

// SettingsService supplies per-model configuration overrides, read at
// dispatch time.
type SettingsService interface {
	ForModel(model conversation.ModelID) (*Config, bool)
}

// StaticSettings is an in-memory SettingsService.
type StaticSettings map[conversation.ModelID]*Config

func (s StaticSettings) ForModel(model conversation.ModelID) (*Config, bool) {
	cfg, ok := s[model]
	return cfg, ok
}

var _ SettingsService = StaticSettings(nil)

// ResolveConfig merges the global config with the model's override, if the
// settings service knows one.
func ResolveConfig(global Config, settings SettingsService, model conversation.ModelID) Config {
	if settings == nil {
		return global
	}
	override, ok := settings.ForModel(model)
	if !ok {
		return global
	}
	return global.Merge(override)
}

// Float64Ptr and IntPtr are small literal helpers for building configs.
func Float64Ptr(v float64) *float64 { return &v }
func IntPtr(v int) *int             { return &v }
