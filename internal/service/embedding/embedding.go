// Package embedding turns claim text into vectors for similar-case search.
//
// Provider is implemented by Ollama (local), OpenAI, and a zero-vector noop
// used when no model is configured.
package embedding

import (
	"context"

	"github.com/pgvector/pgvector-go"
)

// Provider turns text into vectors of a fixed size. Implementations must
// be safe for concurrent use.
type Provider interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedBatch returns one vector per text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	Dimensions() int
}

// NoopProvider answers every request with a zero vector. The engine
// checks IsNoop and skips similar-case search rather than ranking zeros.
type NoopProvider struct {
	dims int
}

// NewNoopProvider returns a NoopProvider of the given size.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimensions returns the vector size.
func (p *NoopProvider) Dimensions() int { return p.dims }

// Embed returns a zero vector.
func (p *NoopProvider) Embed(context.Context, string) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, p.dims)), nil
}

// EmbedBatch returns one zero vector per text.
func (p *NoopProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, 0, len(texts))
	for range texts {
		v, _ := p.Embed(ctx, "")
		out = append(out, v)
	}
	return out, nil
}

// IsNoop reports whether p is a NoopProvider.
func IsNoop(p Provider) bool {
	_, ok := p.(*NoopProvider)
	return ok
}
