package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/TobiSchelling/GapFinder/internal/config"
	"github.com/TobiSchelling/GapFinder/internal/logger"
)

// Provider is the interface for LLM providers.
type Provider interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	IsConfigured() bool
}

// Embedder is the interface for generating embeddings.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// ErrNotConfigured is returned when a provider has no credentials or endpoint.
var ErrNotConfigured = errors.New("llm provider not configured")

const (
	defaultTimeout = 120 * time.Second
	temperature    = 0.2
)

// statusError carries a non-200 response from a provider API.
type statusError struct {
	api    string
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.api, e.status, e.body)
}

// postJSON sends body as JSON and decodes a 200 response into out.
func postJSON(ctx context.Context, client *http.Client, api, url string, headers map[string]string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s error: %w", api, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{api: api, status: resp.StatusCode, body: strings.TrimSpace(string(respBody))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", api, err)
	}
	return nil
}

// CreateProvider creates an LLM provider based on configuration.
// Ollama and Anthropic fall back to OpenAI when unavailable. Returns nil if
// no provider is usable.
func CreateProvider(cfg config.LLM, log logger.Logger) Provider {
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		p := NewAnthropicProvider(cfg.AnthropicModel, cfg.AnthropicKeyEnv)
		if p.IsConfigured() {
			log.Info("using anthropic", logger.String("model", cfg.AnthropicModel))
			return p
		}
		log.Warn("anthropic key not set, trying openai fallback", logger.String("env", cfg.AnthropicKeyEnv))
	case "ollama":
		p := NewOllamaProvider(cfg.Model, cfg.OllamaURL)
		if p.IsConfigured() {
			log.Info("using ollama", logger.String("model", cfg.Model))
			return p
		}
		log.Warn("ollama not available, trying openai fallback", logger.String("url", cfg.OllamaURL))
	}

	p := NewOpenAIProvider(cfg.OpenAIModel, cfg.APIKeyEnv)
	if p.IsConfigured() {
		log.Info("using openai", logger.String("model", cfg.OpenAIModel))
		return p
	}

	log.Error("no LLM provider available; check ollama or set an API key")
	return nil
}

// CreateEmbedder returns the Ollama embedder used by embedding clustering.
func CreateEmbedder(cfg config.LLM) Embedder {
	model := cfg.EmbeddingModel
	if model == "" {
		model = "nomic-embed-text"
	}
	baseURL := cfg.OllamaURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return NewOllamaEmbedder(model, baseURL)
}
