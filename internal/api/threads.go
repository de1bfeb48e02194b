package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/blockchat/internal/chat"
	"github.com/kalambet/blockchat/internal/jobs"
	"github.com/kalambet/blockchat/internal/retrieval"
	"github.com/kalambet/blockchat/internal/thread"
)

// ThreadSummary describes one thread of a page without its messages.
type ThreadSummary struct {
	ThreadID    string `json:"thread_id"`
	ReferenceID string `json:"reference_id,omitempty"`
	IsValid     bool   `json:"is_valid"`
	Messages    int    `json:"messages"`
	LastBlockID string `json:"last_block_id,omitempty"`
}

// MessageView is one message of a reconstructed thread.
type MessageView struct {
	BlockID string `json:"block_id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ThreadView is a reconstructed thread with its messages in order.
type ThreadView struct {
	ThreadID    string        `json:"thread_id"`
	ReferenceID string        `json:"reference_id,omitempty"`
	IsValid     bool          `json:"is_valid"`
	Messages    []MessageView `json:"messages"`
}

// summarizeThreads lists the main thread first, then forks by id.
func summarizeThreads(threads map[string]thread.Thread) []ThreadSummary {
	out := make([]ThreadSummary, 0, len(threads))
	for _, t := range threads {
		v := viewThread(t)
		s := ThreadSummary{
			ThreadID:    t.ThreadID,
			ReferenceID: t.ReferenceID,
			IsValid:     t.IsValid,
			Messages:    len(v.Messages),
		}
		if n := len(v.Messages); n > 0 {
			s.LastBlockID = v.Messages[n-1].BlockID
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out
}

func viewThread(t thread.Thread) ThreadView {
	v := ThreadView{
		ThreadID:    t.ThreadID,
		ReferenceID: t.ReferenceID,
		IsValid:     t.IsValid,
		Messages:    make([]MessageView, 0, len(t.Blocks)),
	}
	for _, b := range t.Blocks {
		m, ok := thread.ParseMessage(b)
		if !ok {
			continue
		}
		v.Messages = append(v.Messages, MessageView{BlockID: b.UUID, Role: string(m.Role), Content: m.Content})
	}
	return v
}

func handleListThreads(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, ok := pageID(w, r, deps)
		if !ok {
			return
		}
		threads, err := deps.Threads.GetAllThreadsInPage(r.Context(), page)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": summarizeThreads(threads)})
	}
}

func handleGetThread(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, ok := pageID(w, r, deps)
		if !ok {
			return
		}
		t, err := deps.Threads.GetThreadByThreadID(r.Context(), threadParam(r), page)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewThread(t))
	}
}

func handleVersions(deps Deps) http.HandlerFunc {
	type version struct {
		ThreadID string      `json:"thread_id"`
		Message  MessageView `json:"message"`
		Current  bool        `json:"current"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		page, ok := pageID(w, r, deps)
		if !ok {
			return
		}
		versions, err := deps.Threads.GetAlternativeVersions(r.Context(), chi.URLParam(r, "block"), page)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]version, len(versions))
		for i, v := range versions {
			m, _ := thread.ParseMessage(v.Block)
			out[i] = version{
				ThreadID: v.ThreadID,
				Message:  MessageView{BlockID: v.Block.UUID, Role: string(m.Role), Content: m.Content},
				Current:  v.Current,
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": out})
	}
}

func handleFork(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, ok := pageID(w, r, deps)
		if !ok {
			return
		}
		var req struct {
			ReferenceBlockID string `json:"reference_block_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.ReferenceBlockID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reference_block_id is required")
			return
		}
		id, err := deps.Threads.ForkThread(r.Context(), req.ReferenceBlockID, page)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"thread_id": id})
	}
}

func handleSendMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, ok := pageID(w, r, deps)
		if !ok {
			return
		}
		var req struct {
			Content     string `json:"content"`
			ThreadID    string `json:"thread_id"`
			ReferenceID string `json:"reference_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}
		if req.ReferenceID != "" && req.ThreadID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reference_id requires thread_id")
			return
		}

		res, err := deps.Chat.Send(r.Context(), chat.SendRequest{
			PageID:      page,
			Content:     req.Content,
			ThreadID:    req.ThreadID,
			ReferenceID: req.ReferenceID,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		code := http.StatusAccepted
		if res.Status == jobs.JobAlreadyRunning {
			code = http.StatusConflict
		}
		writeJSON(w, code, map[string]string{
			"status":        res.Status.String(),
			"user_block_id": res.UserBlockID,
		})
	}
}

func handleStopJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, ok := pageID(w, r, deps)
		if !ok {
			return
		}
		deps.Chat.Stop(r.Context(), page, "stopped by client")
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleGetCurrentThread(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, ok := pageID(w, r, deps)
		if !ok {
			return
		}
		id, err := deps.Threads.GetCurrentThreadID(r.Context(), page)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"thread_id": id})
	}
}

func handleSetCurrentThread(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, ok := pageID(w, r, deps)
		if !ok {
			return
		}
		var req struct {
			ThreadID string `json:"thread_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := deps.Threads.SetCurrentThreadID(r.Context(), page, req.ThreadID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"thread_id": req.ThreadID})
	}
}

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 50
)

func clampLimit(n int) int {
	if n <= 0 {
		return defaultSearchLimit
	}
	return min(n, maxSearchLimit)
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Search == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "search is not configured")
			return
		}
		q := r.URL.Query().Get("q")
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit := defaultSearchLimit
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit %q", s)
				return
			}
			limit = clampLimit(n)
		}

		hits, err := deps.Search.Search(r.Context(), q, limit, r.URL.Query().Get("page"))
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}
		if hits == nil {
			hits = []retrieval.Hit{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": hits})
	}
}
