package embedding

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pgvector/pgvector-go"
)

const (
	defaultOllamaURL = "http://localhost:11434"

	// ollamaChunk bounds one /api/embed call so a large backfill does not
	// hold the model for the whole request timeout.
	ollamaChunk = 32
)

// OllamaProvider embeds text with a local Ollama server, so claim text
// never leaves the customer's network.
type OllamaProvider struct {
	client     jsonClient
	endpoint   string
	model      string
	dimensions int
}

// NewOllamaProvider returns a provider for model on the Ollama server at
// baseURL. dimensions must match the model's output size (1024 for
// mxbai-embed-large); zero skips the check.
func NewOllamaProvider(baseURL, model string, dimensions int) *OllamaProvider {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	return &OllamaProvider{
		client:     newJSONClient("ollama"),
		endpoint:   strings.TrimRight(baseURL, "/") + "/api/embed",
		model:      model,
		dimensions: dimensions,
	}
}

// Dimensions returns the model's vector size.
func (p *OllamaProvider) Dimensions() int {
	return p.dimensions
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// Embed embeds one text.
func (p *OllamaProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.embed(ctx, 0, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in order, ollamaChunk texts per request.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return inChunks(texts, ollamaChunk, func(start int, chunk []string) ([]pgvector.Vector, error) {
		return p.embed(ctx, start, chunk)
	})
}

func (p *OllamaProvider) embed(ctx context.Context, offset int, texts []string) ([]pgvector.Vector, error) {
	var resp ollamaEmbedResponse
	status, err := p.client.post(ctx, p.endpoint, nil, ollamaEmbedRequest{Model: p.model, Input: texts}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("ollama: status %d: %s", status, resp.Error)
	}
	if status != http.StatusOK {
		return nil, &statusError{provider: "ollama", code: status}
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama: empty embedding returned")
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama: got %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}

	vecs := make([]pgvector.Vector, len(texts))
	for i, raw := range resp.Embeddings {
		v, err := toVector("ollama", raw, p.dimensions)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", offset+i, err)
		}
		vecs[i] = v
	}
	return vecs, nil
}
