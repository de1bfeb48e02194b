package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedBackend embeds each text to a fixed vector keyed by the text.
type fixedBackend map[string][]float32

func (b fixedBackend) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	v, ok := b[text]
	if !ok {
		return nil, errors.New("unknown text")
	}
	return v, nil
}

func TestRetrieverSearch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, []Record{
		{ID: "c1", SourceID: "b-go", PageID: "p", TextChunk: "go channels", Embedding: []float32{1, 0}},
		{ID: "c2", SourceID: "b-go", PageID: "p", TextChunk: "go select", Embedding: []float32{0.95, 0.05}},
		{ID: "c3", SourceID: "b-rust", PageID: "p", TextChunk: "rust traits", Embedding: []float32{0, 1}},
	}))

	r := NewRetriever(NewEmbedder(fixedBackend{"golang": {1, 0}}, "m"), store)
	hits, err := r.Search(ctx, "golang", 3, "")
	require.NoError(t, err)

	require.Len(t, hits, 2, "chunks of one block collapse")
	assert.Equal(t, "b-go", hits[0].BlockID)
	assert.Equal(t, "go channels", hits[0].Text)
	assert.Equal(t, "b-rust", hits[1].BlockID)
}

func TestRetrieverEmbedFails(t *testing.T) {
	r := NewRetriever(NewEmbedder(fixedBackend{}, "m"), openTestStore(t))
	_, err := r.Search(context.Background(), "anything", 5, "")
	assert.Error(t, err)
}
