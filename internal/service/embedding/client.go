package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pgvector/pgvector-go"
)

const (
	requestTimeout  = 30 * time.Second
	maxResponseBody = 64 << 20
	errorBodyPrefix = 1 << 10
)

// statusError is returned when a provider answers with a non-2xx status
// and no structured error of its own.
type statusError struct {
	provider string
	code     int
	body     string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.provider, e.code)
	}
	return fmt.Sprintf("%s: status %d: %s", e.provider, e.code, e.body)
}

// jsonClient posts a JSON body and decodes a JSON reply. Both embedding
// backends speak this shape.
type jsonClient struct {
	provider string
	http     *http.Client
}

func newJSONClient(provider string) jsonClient {
	return jsonClient{provider: provider, http: &http.Client{Timeout: requestTimeout}}
}

// post sends in to url and decodes the reply into out. A non-2xx reply is
// still decoded when possible so providers can surface their own error
// payloads; the status code is returned either way.
func (c jsonClient) post(ctx context.Context, url string, header http.Header, in, out any) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("%s: marshal request: %w", c.provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%s: create request: %w", c.provider, err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: send request: %w", c.provider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%s: read response: %w", c.provider, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		if resp.StatusCode/100 != 2 {
			return resp.StatusCode, &statusError{provider: c.provider, code: resp.StatusCode, body: snippet(raw)}
		}
		return resp.StatusCode, fmt.Errorf("%s: decode response: %w", c.provider, err)
	}
	return resp.StatusCode, nil
}

func snippet(b []byte) string {
	if len(b) > errorBodyPrefix {
		b = b[:errorBodyPrefix]
	}
	return string(bytes.TrimSpace(b))
}

// toVector checks a raw embedding against the expected size. want <= 0
// accepts any non-empty vector.
func toVector(provider string, raw []float32, want int) (pgvector.Vector, error) {
	if len(raw) == 0 {
		return pgvector.Vector{}, fmt.Errorf("%s: empty embedding returned", provider)
	}
	if want > 0 && len(raw) != want {
		return pgvector.Vector{}, fmt.Errorf("%s: got %d dimensions, want %d", provider, len(raw), want)
	}
	return pgvector.NewVector(raw), nil
}

// inChunks calls fn for consecutive slices of texts no longer than size and
// concatenates the results.
func inChunks(texts []string, size int, fn func(start int, chunk []string) ([]pgvector.Vector, error)) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		vecs, err := fn(start, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}
