package retrieval

import (
	"context"
	"time"
)

// VectorStore stores message embeddings and answers similarity queries.
// The SQLite implementation scans every vector; an ANN-backed store can be
// swapped in behind the same interface.
type VectorStore interface {
	// Insert adds records.
	Insert(ctx context.Context, records []Record) error

	// Search returns the topK records most similar to vector. A non-empty
	// pageID restricts the search to that page.
	Search(ctx context.Context, vector []float32, topK int, pageID string) ([]ScoredRecord, error)

	// DeleteBySource removes every record derived from the given block and
	// reports how many were removed.
	DeleteBySource(ctx context.Context, sourceID string) (int, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)
}

// Record is one embedded chunk of a message block.
type Record struct {
	ID        string
	SourceID  string // block id
	PageID    string
	TextChunk string
	Embedding []float32
	CreatedAt time.Time
	Tags      string // JSON array stored as text
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
