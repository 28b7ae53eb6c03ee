package indexing

import (
	"context"

	"github.com/ragwell/ragwell/internal/storage"
)

// Summarizer is the minimal external summarization-provider contract:
// summarize(text) -> text, failures are non-fatal to the pipeline and
// simply cause the chunk's context to be omitted. It is the narrow
// interface a project-specific summarization service implements; the
// richer ContextGenerator (LLM-backed or pattern-based) is this
// package's own default and does not require a Summarizer at all.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// summarizerContextGenerator adapts a plain Summarizer onto the
// ContextGenerator seam enrichWithContext consumes, so a project can
// plug in an external summarization provider without that provider
// knowing anything about chunk batching or document context.
type summarizerContextGenerator struct {
	summarizer Summarizer
	model      string
}

// NewSummarizerContextGenerator wraps a Summarizer as a ContextGenerator.
func NewSummarizerContextGenerator(s Summarizer, model string) ContextGenerator {
	return &summarizerContextGenerator{summarizer: s, model: model}
}

func (g *summarizerContextGenerator) GenerateContext(ctx context.Context, c *storage.Chunk, docContext string) (string, error) {
	text := docContext + "\n\n" + c.RawContent
	out, err := g.summarizer.Summarize(ctx, text)
	if err != nil {
		// Non-fatal per spec: the caller omits context rather than
		// failing the enrichment pass.
		return "", nil
	}
	return out, nil
}

func (g *summarizerContextGenerator) GenerateBatch(ctx context.Context, chunks []*storage.Chunk, docContext string) ([]string, error) {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		s, _ := g.GenerateContext(ctx, c, docContext)
		out[i] = s
	}
	return out, nil
}

func (g *summarizerContextGenerator) Available(ctx context.Context) bool {
	return g.summarizer != nil
}

func (g *summarizerContextGenerator) ModelName() string {
	return g.model
}

func (g *summarizerContextGenerator) Close() error {
	return nil
}
