package engine

import (
	"context"
	"fmt"

	"github.com/kalambet/blockchat/internal/proxy"
)

// OpenRouterEngine adapts the OpenRouter client to the Completer interface.
// It has no embedding support; embeddings always come from the local engine.
type OpenRouterEngine struct {
	client       *proxy.Client
	defaultModel string
}

// NewOpenRouterEngine wraps client. defaultModel is used when Stream is
// called with an empty model name.
func NewOpenRouterEngine(client *proxy.Client, defaultModel string) *OpenRouterEngine {
	return &OpenRouterEngine{client: client, defaultModel: defaultModel}
}

func (e *OpenRouterEngine) Stream(ctx context.Context, model string, messages []Message, onDelta func(string) error) error {
	if model == "" {
		model = e.defaultModel
	}
	if model == "" {
		return fmt.Errorf("openrouter: no model configured")
	}
	msgs := make([]proxy.ChatMessage, len(messages))
	for i, m := range messages {
		msgs[i] = proxy.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return e.client.Stream(ctx, proxy.ChatRequest{Model: model, Messages: msgs}, onDelta)
}
