package providers

import (
	"fmt"
	"strings"

	"github.com/emooreatx/CIRISNode/internal/adapters/llm"
	"github.com/emooreatx/CIRISNode/internal/config"
	"github.com/emooreatx/CIRISNode/internal/core/domain"
	"github.com/emooreatx/CIRISNode/internal/core/ports"
)

// Factory builds a scorer for a benchmark run from the provider name in
// the request. It hides backend selection from the orchestrator.
type Factory struct {
	cfg *config.Config
}

func NewFactory(cfg *config.Config) *Factory {
	return &Factory{cfg: cfg}
}

// Build returns a scorer for the named provider. The per-request API key,
// when present, overrides the configured one and is never stored.
func (f *Factory) Build(provider, model, apiKey string) (ports.Scorer, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("%w: model is required", domain.ErrInvalidArgument)
	}

	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "ollama":
		return llm.NewOllamaScorer(normalizeOllamaBaseURL(f.cfg.OllamaURL)), nil
	case "openai":
		key := strings.TrimSpace(apiKey)
		if key == "" {
			key = f.cfg.OpenAIAPIKey
		}
		return llm.NewOpenAIScorer(strings.TrimSpace(f.cfg.OpenAIURL), key), nil
	default:
		return nil, fmt.Errorf("%w: unsupported provider: %s", domain.ErrInvalidArgument, provider)
	}
}

func normalizeOllamaBaseURL(baseURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return strings.TrimSuffix(trimmed, "/v1")
	}
	return trimmed
}
