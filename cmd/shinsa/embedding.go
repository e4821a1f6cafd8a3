package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/shinsa/internal/config"
	"github.com/ashita-ai/shinsa/internal/service/embedding"
)

const ollamaProbeTimeout = 2 * time.Second

// newEmbeddingProvider picks the provider for similar-case search. A
// provider that cannot be built degrades to noop: evaluations still run,
// just without similar cases.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	return chooseEmbedder(cfg, logger, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), ollamaProbeTimeout)
		defer cancel()
		return ollamaUp(ctx, http.DefaultClient, cfg.OllamaURL)
	})
}

// chooseEmbedder resolves cfg.EmbeddingProvider. "auto" takes a reachable
// Ollama first, then OpenAI if a key is set.
func chooseEmbedder(cfg config.Config, logger *slog.Logger, ollamaReachable func() bool) embedding.Provider {
	dims := cfg.EmbeddingDimensions
	noop := func(reason string) embedding.Provider {
		logger.Warn("embedding provider: noop, similar cases disabled", "reason", reason)
		return embedding.NewNoopProvider(dims)
	}
	ollama := func(how string) embedding.Provider {
		logger.Info("embedding provider: ollama", "selected", how, "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
	}
	openai := func(how string) embedding.Provider {
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			return noop(err.Error())
		}
		logger.Info("embedding provider: openai", "selected", how, "model", cfg.EmbeddingModel, "dimensions", dims)
		return p
	}

	switch cfg.EmbeddingProvider {
	case "openai":
		return openai("configured")
	case "ollama":
		return ollama("configured")
	case "noop":
		return noop("configured")
	}
	switch {
	case ollamaReachable():
		return ollama("auto")
	case cfg.OpenAIAPIKey != "":
		return openai("auto")
	}
	return noop("no ollama reachable and no OPENAI_API_KEY")
}

// ollamaUp reports whether an Ollama server answers at baseURL.
func ollamaUp(ctx context.Context, client *http.Client, baseURL string) bool {
	if baseURL == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
