package conversation

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// WriteYAML serializes the conversation to the writer.
func (c *Conversation) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer func() { _ = enc.Close() }()
	if err := enc.Encode(c); err != nil {
		return errors.Wrap(err, "failed to encode conversation")
	}
	return nil
}

// SaveToFile persists the conversation as YAML, enabling offline inspection
// and continuity across sessions.
func (c *Conversation) SaveToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)
	return c.WriteYAML(f)
}

// RenderMarkdown returns a human-readable transcript. Disabled responses are
// rendered too (they are hidden from models, not from people) and marked.
func (c *Conversation) RenderMarkdown() string {
	var sb strings.Builder
	title := c.Title
	if title == "" {
		title = c.ID
	}
	fmt.Fprintf(&sb, "# %s\n", title)
	for _, turn := range c.Turns {
		fmt.Fprintf(&sb, "\n## User\n\n%s\n", turn.UserMessage)
		for _, resp := range turn.Responses {
			marker := ""
			if !resp.Enabled {
				marker = " (excluded from context)"
			}
			fmt.Fprintf(&sb, "\n### %s%s\n\n%s\n", resp.Model, marker, resp.Content)
			if resp.Meta.ErrorText != "" {
				fmt.Fprintf(&sb, "\n> generation error: %s\n", resp.Meta.ErrorText)
			}
		}
	}
	return sb.String()
}
