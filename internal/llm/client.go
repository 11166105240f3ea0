package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/lazypower/questlog/internal/config"
	"github.com/lazypower/questlog/internal/errs"
)

// Client is the interface for LLM providers.
type Client interface {
	Complete(ctx context.Context, prompt string) (*Response, error)
}

// Response holds the result of an LLM completion.
type Response struct {
	Content    string
	Provider   string
	TokensUsed int
}

// NewClient creates an LLM client based on the config provider setting.
func NewClient(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("anthropic provider requires ANTHROPIC_API_KEY or config")
		}
		model := cfg.Model
		if model == "" {
			model = "claude-haiku-4-5-20251001"
		}
		return NewAnthropic(cfg.AnthropicKey, model), nil
	case "ollama":
		url := cfg.OllamaURL
		if url == "" {
			url = "http://localhost:11434"
		}
		model := cfg.OllamaModel
		if model == "" {
			model = "llama3.2"
		}
		return NewOllama(url, model), nil
	case "mock":
		// Dry-run: every entry classifies to nothing.
		return &MockClient{Response: &Response{Content: `{"actions":{}}`, Provider: "mock"}}, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
}

// statusError classifies a non-200 provider response.
func statusError(op string, code int, body []byte) error {
	kind := errs.KindValidation
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = errs.KindAuth
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		kind = errs.KindServer
	}
	if len(body) > 512 {
		body = body[:512]
	}
	return errs.Errorf(kind, op, "status %d: %s", code, body)
}
