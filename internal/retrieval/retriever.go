package retrieval

import (
	"context"
	"time"
)

// Hit is a message block matching a search.
type Hit struct {
	BlockID   string    `json:"block_id"`
	PageID    string    `json:"page_id"`
	Text      string    `json:"text"`
	Score     float32   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// Retriever combines embedding and vector search.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
}

// NewRetriever returns a Retriever over embedder and store.
func NewRetriever(embedder *Embedder, store VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Search embeds query and returns up to topK hits, best first. A non-empty
// pageID limits results to that page. Chunks of the same block collapse into
// its best-scoring hit.
func (r *Retriever) Search(ctx context.Context, query string, topK int, pageID string) ([]Hit, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	scored, err := r.store.Search(ctx, vec, topK, pageID)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(scored))
	seen := make(map[string]bool, len(scored))
	for _, s := range scored {
		if seen[s.SourceID] {
			continue
		}
		seen[s.SourceID] = true
		hits = append(hits, Hit{
			BlockID:   s.SourceID,
			PageID:    s.PageID,
			Text:      s.TextChunk,
			Score:     s.Score,
			CreatedAt: s.CreatedAt,
		})
	}
	return hits, nil
}
