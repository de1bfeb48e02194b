// Package engine abstracts the completion and embedding backends behind
// small interfaces so the chat core never depends on a concrete client.
package engine

import "context"

// Completer streams a chat completion. onDelta is called with each text
// fragment in arrival order; returning an error from it aborts the stream.
// Implementations must honor ctx cancellation between fragments.
type Completer interface {
	Stream(ctx context.Context, model string, messages []Message, onDelta func(string) error) error
}

// Engine is a local inference backend that can both complete and embed.
type Engine interface {
	Completer

	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all locally available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
