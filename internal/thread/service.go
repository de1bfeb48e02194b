// Package thread reconstructs forked conversation threads from the flat,
// ordered block list of a page and verifies each fork against the hash
// stamped when it was created.
package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/blockchat/internal/blocks"
)

// MainThread is the id of the thread made of blocks without a thread-id.
const MainThread = ""

// DefaultMaxForkDepth bounds how many forks-of-forks are followed.
const DefaultMaxForkDepth = 64

var (
	ErrPageNotFound      = errors.New("page not found")
	ErrBlockNotFound     = errors.New("block not found")
	ErrThreadNotFound    = errors.New("thread not found")
	ErrForkDepthExceeded = errors.New("fork depth exceeded")
)

// Store is the block storage the service reads and writes.
type Store interface {
	GetPage(ctx context.Context, pageID string) (blocks.Page, error)
	PageBlocks(ctx context.Context, pageID string) ([]blocks.Block, error)
	GetBlock(ctx context.Context, blockID string) (blocks.Block, error)
	AppendBlock(ctx context.Context, pageID, content string, props map[string]string) (blocks.Block, error)
	UpdateBlock(ctx context.Context, blockID, content string) error
	SetPageProperty(ctx context.Context, pageID, key, value string) error
}

// Thread is the linear history of one thread: inherited ancestor blocks up
// to and including each fork point, then the thread's own blocks.
// ReferenceID is the block this thread forked from directly, empty for the
// main thread. IsValid is false when a fork's stored hash no longer matches
// the blocks preceding its fork point.
type Thread struct {
	ThreadID    string
	Blocks      []blocks.Block
	ReferenceID string
	IsValid     bool
}

// Version is one alternative continuation after a shared predecessor.
type Version struct {
	ThreadID string
	Block    blocks.Block
	Current  bool
}

// Service answers thread queries over a Store.
type Service struct {
	store    Store
	maxDepth int
	logger   *slog.Logger
	loads    singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithMaxForkDepth overrides DefaultMaxForkDepth.
func WithMaxForkDepth(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxDepth = n
		}
	}
}

// WithLogger sets the logger for integrity warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// NewService creates a Service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		maxDepth: DefaultMaxForkDepth,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// pageView is one consistent read of a page's blocks.
type pageView struct {
	pageID string
	blocks []blocks.Block
	index  map[string]int
}

func (v *pageView) ids(upto int) []string {
	ids := make([]string, upto+1)
	for i := 0; i <= upto; i++ {
		ids[i] = v.blocks[i].UUID
	}
	return ids
}

// load reads a page's blocks. Concurrent loads of one page share a query,
// which is not cancelled with any single caller; each caller stops waiting
// when its own ctx ends.
func (s *Service) load(ctx context.Context, pageID string) (*pageView, error) {
	shared := context.WithoutCancel(ctx)
	ch := s.loads.DoChan(pageID, func() (any, error) {
		return s.store.PageBlocks(shared, pageID)
	})
	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	res, err := r.Val, r.Err
	if errors.Is(err, blocks.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPageNotFound, pageID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading page %s: %w", pageID, err)
	}
	bs := res.([]blocks.Block)
	v := &pageView{pageID: pageID, blocks: bs, index: make(map[string]int, len(bs))}
	for i, b := range bs {
		v.index[b.UUID] = i
	}
	return v, nil
}

func (s *Service) blockIndex(v *pageView, blockID string) (int, error) {
	i, ok := v.index[blockID]
	if !ok {
		return 0, fmt.Errorf("%w: block %s in page %s", ErrBlockNotFound, blockID, v.pageID)
	}
	return i, nil
}

// GetThreadByThreadID reconstructs the thread threadID of pageID.
func (s *Service) GetThreadByThreadID(ctx context.Context, threadID, pageID string) (Thread, error) {
	v, err := s.load(ctx, pageID)
	if err != nil {
		return Thread{}, err
	}
	return s.reconstruct(v, threadID)
}

// GetThreadByBlockID reconstructs the thread that blockID belongs to.
func (s *Service) GetThreadByBlockID(ctx context.Context, blockID, pageID string) (Thread, error) {
	v, err := s.load(ctx, pageID)
	if err != nil {
		return Thread{}, err
	}
	i, err := s.blockIndex(v, blockID)
	if err != nil {
		return Thread{}, err
	}
	return s.reconstruct(v, MetadataOf(v.blocks[i]).ThreadID)
}

// GetAllThreadsInPage reconstructs every thread in the page, keyed by thread
// id. The main thread is always present under MainThread.
func (s *Service) GetAllThreadsInPage(ctx context.Context, pageID string) (map[string]Thread, error) {
	v, err := s.load(ctx, pageID)
	if err != nil {
		return nil, err
	}

	out := map[string]Thread{MainThread: s.mainThread(v)}
	for _, b := range v.blocks {
		id := MetadataOf(b).ThreadID
		if _, done := out[id]; done {
			continue
		}
		t, err := s.reconstruct(v, id)
		if err != nil {
			return nil, err
		}
		out[id] = t
	}
	return out, nil
}

// ValidateThreadIntegrity reports whether every fork point on the thread's
// ancestry still hashes to its stored value.
func (s *Service) ValidateThreadIntegrity(ctx context.Context, threadID, pageID string) (bool, error) {
	t, err := s.GetThreadByThreadID(ctx, threadID, pageID)
	if err != nil {
		return false, err
	}
	return t.IsValid, nil
}

// ForkThread checks that referenceBlockID is a block of pageID and returns a
// new thread id. Nothing is written until a message is appended with that id
// and the reference.
func (s *Service) ForkThread(ctx context.Context, referenceBlockID, pageID string) (string, error) {
	v, err := s.load(ctx, pageID)
	if err != nil {
		return "", err
	}
	if _, err := s.blockIndex(v, referenceBlockID); err != nil {
		return "", err
	}
	return uuid.New().String(), nil
}

func (s *Service) mainThread(v *pageView) Thread {
	t := Thread{ThreadID: MainThread, IsValid: true}
	for _, b := range v.blocks {
		if MetadataOf(b).ThreadID == MainThread {
			t.Blocks = append(t.Blocks, b)
		}
	}
	return t
}

// ownBlocks returns the blocks tagged with threadID at or before index upto.
func ownBlocks(v *pageView, threadID string, upto int) []blocks.Block {
	var out []blocks.Block
	for i := 0; i <= upto && i < len(v.blocks); i++ {
		if MetadataOf(v.blocks[i]).ThreadID == threadID {
			out = append(out, v.blocks[i])
		}
	}
	return out
}

// reconstruct walks from the thread's first block back through each fork
// point, prepending the ancestor thread's blocks up to and including the
// reference block.
func (s *Service) reconstruct(v *pageView, threadID string) (Thread, error) {
	if threadID == MainThread {
		return s.mainThread(v), nil
	}

	own := ownBlocks(v, threadID, len(v.blocks)-1)
	if len(own) == 0 {
		return Thread{}, fmt.Errorf("%w: %s in page %s", ErrThreadNotFound, threadID, v.pageID)
	}

	t := Thread{
		ThreadID:    threadID,
		Blocks:      own,
		ReferenceID: MetadataOf(own[0]).ReferenceID,
		IsValid:     true,
	}

	front := own[0]
	for depth := 0; ; depth++ {
		meta := MetadataOf(front)
		if meta.ReferenceID == "" {
			break
		}
		if depth >= s.maxDepth {
			return Thread{}, fmt.Errorf("%w: thread %s in page %s exceeds %d forks",
				ErrForkDepthExceeded, threadID, v.pageID, s.maxDepth)
		}

		refIdx, err := s.blockIndex(v, meta.ReferenceID)
		if err != nil {
			return Thread{}, fmt.Errorf("resolving fork of thread %s: %w", meta.ThreadID, err)
		}
		if !hashMatches(v, meta, refIdx) {
			t.IsValid = false
			s.logger.Debug("fork hash mismatch", "page_id", v.pageID, "thread_id", meta.ThreadID)
		}

		ancestorThread := MetadataOf(v.blocks[refIdx]).ThreadID
		ancestors := ownBlocks(v, ancestorThread, refIdx)
		t.Blocks = append(ancestors, t.Blocks...)
		front = ancestors[0]
	}
	return t, nil
}

func hashMatches(v *pageView, root Metadata, refIdx int) bool {
	if root.ThreadHash == "" {
		return false
	}
	return ComputeThreadHash(v.ids(refIdx)) == root.ThreadHash
}
