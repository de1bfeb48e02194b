package engine

import (
	"fmt"

	"github.com/kalambet/blockchat/internal/proxy"
)

// Provider names a completion backend.
const (
	ProviderOllama     = "ollama"
	ProviderOpenRouter = "openrouter"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Provider         string
	OllamaBaseURL    string
	OpenRouterAPIKey string
	DefaultModel     string
}

// Detect returns the local engine used for embeddings and the Completer
// selected by cfg.Provider. With the ollama provider both are the same value.
func Detect(cfg DetectConfig) (Engine, Completer, error) {
	local := NewOllamaEngine(cfg.OllamaBaseURL)

	switch cfg.Provider {
	case "", ProviderOllama:
		return local, local, nil
	case ProviderOpenRouter:
		if cfg.OpenRouterAPIKey == "" {
			return nil, nil, fmt.Errorf("completion provider %q requires proxy.openrouter_api_key", cfg.Provider)
		}
		return local, NewOpenRouterEngine(proxy.NewClient(cfg.OpenRouterAPIKey), cfg.DefaultModel), nil
	default:
		return nil, nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
}
