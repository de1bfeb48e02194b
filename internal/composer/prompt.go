// Package composer turns a reconstructed thread into the message list sent
// to the completion engine.
package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/blockchat/internal/engine"
	"github.com/kalambet/blockchat/internal/retrieval"
	"github.com/kalambet/blockchat/internal/thread"
)

const defaultMaxContextTokens = 4000

// DefaultSystemPrompt opens every conversation unless configured otherwise.
const DefaultSystemPrompt = "You are a helpful assistant writing into a notes page. Answer in Markdown."

// Composer assembles prompts within a token budget.
type Composer struct {
	MaxContextTokens int
	SystemPrompt     string
}

// New creates a Composer with the given token budget.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens, SystemPrompt: DefaultSystemPrompt}
}

// Compose returns a system message followed by as much of history as fits.
// History is dropped oldest-first; the newest message is always kept even
// when it alone exceeds the budget. Related hits from outside the thread are
// appended to the system message with whatever budget is left, best score
// first.
func (c *Composer) Compose(history []thread.MessageBlock, related []retrieval.Hit) []engine.Message {
	remaining := c.MaxContextTokens - EstimateTokens(c.SystemPrompt)

	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		tokens := EstimateTokens(history[i].Message.Content)
		if tokens > remaining && i != len(history)-1 {
			break
		}
		remaining -= tokens
		start = i
	}
	kept := history[start:]

	system := c.SystemPrompt
	if extra := buildRelated(related, kept, remaining); extra != "" {
		system += "\n\n" + extra
	}

	out := make([]engine.Message, 0, len(kept)+1)
	out = append(out, engine.Message{Role: string(thread.RoleSystem), Content: system})
	for _, m := range kept {
		out = append(out, engine.Message{Role: string(m.Message.Role), Content: m.Message.Content})
	}
	return out
}

const relatedHeader = "[Related Messages]\n"

func buildRelated(hits []retrieval.Hit, kept []thread.MessageBlock, remaining int) string {
	if len(hits) == 0 {
		return ""
	}
	inThread := make(map[string]bool, len(kept))
	for _, m := range kept {
		inThread[m.Block.UUID] = true
	}

	sorted := make([]retrieval.Hit, len(hits))
	copy(sorted, hits)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	remaining -= EstimateTokens(relatedHeader)
	var sb strings.Builder
	for _, h := range sorted {
		if inThread[h.BlockID] {
			continue
		}
		entry := formatHit(h)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		sb.WriteString(entry)
		remaining -= tokens
	}
	if sb.Len() == 0 {
		return ""
	}
	return relatedHeader + sb.String()
}

func formatHit(h retrieval.Hit) string {
	return fmt.Sprintf("(Score: %.2f, Block: %s)\n%s\n\n", h.Score, h.BlockID, h.Text)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
