package thread

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/blockchat/internal/blocks"
)

// LoadThreadMessageBlocks returns the messages of a thread in order. Blocks
// without a role, such as plain notes on the page, are skipped.
func (s *Service) LoadThreadMessageBlocks(ctx context.Context, pageID, threadID string) ([]MessageBlock, error) {
	t, err := s.GetThreadByThreadID(ctx, threadID, pageID)
	if err != nil {
		return nil, err
	}
	out := make([]MessageBlock, 0, len(t.Blocks))
	for _, b := range t.Blocks {
		if m, ok := ParseMessage(b); ok {
			out = append(out, MessageBlock{Block: b, Message: m})
		}
	}
	return out, nil
}

// AppendMessageToThread writes msg as a new block at the end of the page.
// When opts.ReferenceID is set the block becomes a fork root and is stamped
// with the hash of every block up to and including the reference.
func (s *Service) AppendMessageToThread(ctx context.Context, pageID string, msg Message, opts AppendOptions) (blocks.Block, error) {
	if !msg.Role.Valid() {
		return blocks.Block{}, fmt.Errorf("invalid message role %q", msg.Role)
	}
	if err := opts.validate(); err != nil {
		return blocks.Block{}, err
	}

	props := map[string]string{PropRole: string(msg.Role)}
	if opts.ThreadID != "" {
		props[PropThreadID] = opts.ThreadID
	}
	if opts.ReferenceID != "" {
		v, err := s.load(ctx, pageID)
		if err != nil {
			return blocks.Block{}, err
		}
		refIdx, err := s.blockIndex(v, opts.ReferenceID)
		if err != nil {
			return blocks.Block{}, err
		}
		props[PropReferenceID] = opts.ReferenceID
		props[PropThreadHash] = ComputeThreadHash(v.ids(refIdx))
	}

	b, err := s.store.AppendBlock(ctx, pageID, msg.Content, props)
	if errors.Is(err, blocks.ErrNotFound) {
		return blocks.Block{}, fmt.Errorf("%w: %s", ErrPageNotFound, pageID)
	}
	if err != nil {
		return blocks.Block{}, fmt.Errorf("appending message to page %s: %w", pageID, err)
	}
	return b, nil
}

// UpdateMessage replaces the content of a message block.
func (s *Service) UpdateMessage(ctx context.Context, blockID, content string) error {
	err := s.store.UpdateBlock(ctx, blockID, content)
	if errors.Is(err, blocks.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, blockID)
	}
	return err
}

// GetCurrentThreadID returns the thread the page is showing; MainThread when
// none was selected.
func (s *Service) GetCurrentThreadID(ctx context.Context, pageID string) (string, error) {
	p, err := s.store.GetPage(ctx, pageID)
	if errors.Is(err, blocks.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrPageNotFound, pageID)
	}
	if err != nil {
		return "", err
	}
	return p.Properties[PropCurrentThread], nil
}

// SetCurrentThreadID records the thread the page is showing. A freshly
// forked id with no blocks yet is accepted.
func (s *Service) SetCurrentThreadID(ctx context.Context, pageID, threadID string) error {
	err := s.store.SetPageProperty(ctx, pageID, PropCurrentThread, threadID)
	if errors.Is(err, blocks.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrPageNotFound, pageID)
	}
	return err
}

// GetAlternativeVersions lists the sibling continuations of the block that
// precedes blockID in its thread: the predecessor's next block on its own
// thread plus every fork rooted at the predecessor, in page order. A block
// with no predecessor has only itself as a version.
func (s *Service) GetAlternativeVersions(ctx context.Context, blockID, pageID string) ([]Version, error) {
	v, err := s.load(ctx, pageID)
	if err != nil {
		return nil, err
	}
	idx, err := s.blockIndex(v, blockID)
	if err != nil {
		return nil, err
	}
	self := v.blocks[idx]
	t, err := s.reconstruct(v, MetadataOf(self).ThreadID)
	if err != nil {
		return nil, err
	}

	pos := -1
	for i, b := range t.Blocks {
		if b.UUID == blockID {
			pos = i
			break
		}
	}
	if pos <= 0 {
		return []Version{{ThreadID: MetadataOf(self).ThreadID, Block: self, Current: true}}, nil
	}

	pred := t.Blocks[pos-1]
	predIdx := v.index[pred.UUID]
	predThread := MetadataOf(pred).ThreadID

	var out []Version
	continued := false
	for i := predIdx + 1; i < len(v.blocks); i++ {
		b := v.blocks[i]
		meta := MetadataOf(b)
		switch {
		case meta.ReferenceID == pred.UUID && meta.ThreadID != "":
		case !continued && meta.ThreadID == predThread && meta.ReferenceID == "":
			continued = true
		default:
			continue
		}
		out = append(out, Version{ThreadID: meta.ThreadID, Block: b, Current: b.UUID == blockID})
	}
	return out, nil
}
