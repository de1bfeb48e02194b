package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrOllamaDown is returned by EnsureReady when nothing answers at the
// configured Ollama base URL.
var ErrOllamaDown = errors.New("ollama is not reachable")

// Models names the Ollama models blockchat needs. Chat is empty when
// completions are served by OpenRouter, in which case Ollama only
// provides embeddings for related-message search.
type Models struct {
	Chat  string
	Embed string
}

type requirement struct {
	role  string
	model string
}

func (m Models) requirements() []requirement {
	var reqs []requirement
	if m.Chat != "" {
		reqs = append(reqs, requirement{role: "chat", model: m.Chat})
	}
	if m.Embed != "" && m.Embed != m.Chat {
		reqs = append(reqs, requirement{role: "embedding", model: m.Embed})
	}
	return reqs
}

// EnsureReady checks that Ollama is reachable and pulls any missing model,
// reporting progress to w. Progress lines are written only when the status
// or the whole percentage changes.
func EnsureReady(ctx context.Context, e Engine, m Models, w io.Writer) error {
	if !e.IsRunning(ctx) {
		if m.Chat == "" {
			return fmt.Errorf("%w: it serves embeddings (%s) for related-message search (try: ollama serve)", ErrOllamaDown, m.Embed)
		}
		return fmt.Errorf("%w: it serves completions with the ollama provider (try: ollama serve, or set completion.provider to openrouter)", ErrOllamaDown)
	}

	for _, r := range m.requirements() {
		if e.HasModel(ctx, r.model) {
			fmt.Fprintf(w, "%s model %s: ready\n", r.role, r.model)
			continue
		}

		fmt.Fprintf(w, "%s model %s: pulling\n", r.role, r.model)
		lastStatus, lastPct := "", -1
		err := e.PullModel(ctx, r.model, func(p PullProgress) {
			pct := -1
			if p.Total > 0 {
				pct = int(p.Completed * 100 / p.Total)
			}
			if p.Status == lastStatus && pct == lastPct {
				return
			}
			lastStatus, lastPct = p.Status, pct
			if pct >= 0 {
				fmt.Fprintf(w, "  %s %d%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling %s model %s: %w", r.role, r.model, err)
		}
		fmt.Fprintf(w, "%s model %s: ready\n", r.role, r.model)
	}

	return nil
}
