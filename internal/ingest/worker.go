// Package ingest runs the background worker that embeds message blocks
// queued for indexing.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/blockchat/internal/blocks"
	"github.com/kalambet/blockchat/internal/retrieval"
	"github.com/kalambet/blockchat/internal/thread"
)

// MaxChunkChars bounds the text embedded as one vector.
const MaxChunkChars = 1500

// JobStore is the queue and block access the worker needs. *blocks.Store
// implements it.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*blocks.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	GetBlock(ctx context.Context, id string) (blocks.Block, error)
}

// ContentEmbedder generates embeddings for text.
type ContentEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorWriter replaces the vectors of a block.
type VectorWriter interface {
	Insert(ctx context.Context, records []retrieval.Record) error
	DeleteBySource(ctx context.Context, sourceID string) (int, error)
}

// Worker processes index_block jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	embedder ContentEmbedder
	vectors  VectorWriter
	poll     time.Duration
	wake     chan struct{}
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder ContentEmbedder, vectors VectorWriter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		vectors:  vectors,
		poll:     pollInterval,
		wake:     make(chan struct{}, 1),
		logger:   slog.Default(),
	}
}

// Wake makes a sleeping Run loop poll immediately.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("index worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single index_block job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{blocks.JobTypeIndexBlock})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("index job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *blocks.Job) error {
	var payload blocks.IndexBlockPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	// Old vectors go first so an edited or removed block never keeps stale hits.
	if _, err := w.vectors.DeleteBySource(ctx, payload.BlockID); err != nil {
		return err
	}

	b, err := w.store.GetBlock(ctx, payload.BlockID)
	if errors.Is(err, blocks.ErrNotFound) {
		w.logger.Debug("indexed block is gone", "page_id", payload.PageID, "block_id", payload.BlockID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading block %s: %w", payload.BlockID, err)
	}

	msg, ok := thread.ParseMessage(b)
	if !ok {
		return nil
	}
	chunks := Chunk(retrieval.PlainText(msg.Content), MaxChunkChars)
	if len(chunks) == 0 {
		return nil
	}

	vecs, err := w.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embedding content: %w", err)
	}

	tags, err := json.Marshal([]string{string(msg.Role)})
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	records := make([]retrieval.Record, len(chunks))
	for i, c := range chunks {
		records[i] = retrieval.Record{
			ID:        uuid.New().String(),
			SourceID:  b.UUID,
			PageID:    b.PageID,
			TextChunk: c,
			Embedding: vecs[i],
			CreatedAt: now,
			Tags:      string(tags),
		}
	}
	if err := w.vectors.Insert(ctx, records); err != nil {
		return fmt.Errorf("inserting vectors: %w", err)
	}
	return nil
}

// Chunk splits text on word boundaries into pieces of at most max bytes. A
// single word longer than max becomes its own piece.
func Chunk(text string, max int) []string {
	var chunks []string
	var sb strings.Builder
	for _, word := range strings.Fields(text) {
		if sb.Len() > 0 && sb.Len()+1+len(word) > max {
			chunks = append(chunks, sb.String())
			sb.Reset()
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(word)
	}
	if sb.Len() > 0 {
		chunks = append(chunks, sb.String())
	}
	return chunks
}
