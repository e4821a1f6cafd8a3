package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/pgvector/pgvector-go"
)

// ErrNoAPIKey is returned by NewOpenAIProvider without an API key.
var ErrNoAPIKey = errors.New("embedding: openai api key is required")

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"

	// openAIChunk is the API's limit on inputs per request.
	openAIChunk = 2048
)

// OpenAIProvider embeds text with the OpenAI embeddings API or any
// compatible endpoint.
type OpenAIProvider struct {
	client     jsonClient
	apiKey     string
	model      string
	baseURL    string
	dimensions int
}

// NewOpenAIProvider returns an OpenAI provider. dims is sent as the
// requested output size so vectors fit the vector(1024) column.
func NewOpenAIProvider(apiKey, model string, dims int) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	if dims <= 0 {
		return nil, fmt.Errorf("embedding: dimensions must be positive, got %d", dims)
	}
	return &OpenAIProvider{
		client:     newJSONClient("openai"),
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultOpenAIBaseURL,
		dimensions: dims,
	}, nil
}

// WithBaseURL points the provider at an OpenAI-compatible endpoint.
func (p *OpenAIProvider) WithBaseURL(u string) *OpenAIProvider {
	p.baseURL = strings.TrimRight(u, "/")
	return p
}

// Dimensions returns the requested vector size.
func (p *OpenAIProvider) Dimensions() int {
	return p.dimensions
}

type openAIRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed embeds one text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.embed(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in order, one request per openAIChunk texts.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return inChunks(texts, openAIChunk, func(_ int, chunk []string) ([]pgvector.Vector, error) {
		return p.embed(ctx, chunk)
	})
}

// embed issues one request. The API may return data out of order; each
// item carries the index of its input.
func (p *OpenAIProvider) embed(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	var resp openAIResponse
	status, err := p.client.post(ctx, p.baseURL+"/embeddings",
		http.Header{"Authorization": {"Bearer " + p.apiKey}},
		openAIRequest{Input: texts, Model: p.model, Dimensions: p.dimensions}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("openai: %s: %s", resp.Error.Type, resp.Error.Message)
	}
	if status != http.StatusOK {
		return nil, &statusError{provider: "openai", code: status}
	}

	vecs := make([]pgvector.Vector, len(texts))
	filled := 0
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("openai: invalid index %d in response", d.Index)
		}
		if vecs[d.Index].Slice() != nil {
			return nil, fmt.Errorf("openai: duplicate index %d in response", d.Index)
		}
		v, err := toVector("openai", d.Embedding, p.dimensions)
		if err != nil {
			return nil, err
		}
		vecs[d.Index] = v
		filled++
	}
	if filled != len(texts) {
		return nil, fmt.Errorf("openai: got %d embeddings for %d inputs", filled, len(texts))
	}
	return vecs, nil
}
