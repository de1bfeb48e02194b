// Package retrieval embeds message text and searches it by similarity.
package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// EmbeddingBackend is the part of engine.Engine the Embedder needs.
type EmbeddingBackend interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// Embedder generates embeddings with a fixed model.
type Embedder struct {
	backend EmbeddingBackend
	model   string
}

// NewEmbedder returns an Embedder that calls backend with model.
func NewEmbedder(backend EmbeddingBackend, model string) *Embedder {
	return &Embedder{backend: backend, model: model}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.backend.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch embeds texts concurrently, preserving order. Empty input
// returns nil without error.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.backend.Embed(gCtx, e.model, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
