// Package retrieval defines the document-context lookup surface the composer
// consumes on a first send. The pipeline behind a Provider (embedding,
// search, chunk ranking) is out of scope here; this package only fixes the
// contract and the placement of the result.
package retrieval

import "context"

// ChunkRef points at one source chunk that contributed to the context block.
type ChunkRef struct {
	DocumentID string  `json:"document_id" yaml:"document_id"`
	Title      string  `json:"title,omitempty" yaml:"title,omitempty"`
	Score      float64 `json:"score,omitempty" yaml:"score,omitempty"`
}

// Context is the pre-assembled document context for one query. Text is
// inserted verbatim between the system prompt and the user message.
type Context struct {
	Text   string     `json:"text" yaml:"text"`
	Chunks []ChunkRef `json:"chunks,omitempty" yaml:"chunks,omitempty"`
}

// Empty reports whether there is nothing to insert.
func (c Context) Empty() bool {
	return c.Text == ""
}

// Provider resolves the document context for a query.
type Provider interface {
	Lookup(ctx context.Context, query string) (Context, error)
}

// StaticProvider returns the same context for every query.
type StaticProvider struct {
	Context Context
}

func NewStaticProvider(text string, chunks ...ChunkRef) *StaticProvider {
	return &StaticProvider{Context: Context{Text: text, Chunks: chunks}}
}

func (p *StaticProvider) Lookup(context.Context, string) (Context, error) {
	return p.Context, nil
}

var _ Provider = (*StaticProvider)(nil)

// NullProvider returns an empty context for every query.
type NullProvider struct{}

func (NullProvider) Lookup(context.Context, string) (Context, error) {
	return Context{}, nil
}

var _ Provider = NullProvider{}
