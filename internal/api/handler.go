package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/blockchat/internal/blocks"
	"github.com/kalambet/blockchat/internal/chat"
	"github.com/kalambet/blockchat/internal/thread"
)

const maxRequestBodySize = 1 << 20 // 1MB

// mainThreadParam names the main thread in URLs, where an empty path
// segment is not possible.
const mainThreadParam = "main"

// PageResolver looks a page up by id or by name.
type PageResolver interface {
	ResolvePage(ctx context.Context, idOrName string) (blocks.Page, error)
}

// Deps holds what the HTTP surface serves from.
type Deps struct {
	Chat    *chat.Service
	Threads *thread.Service
	Pages   PageResolver
	Search  chat.Searcher // optional; /search answers 503 without it
	Token   string

	// OriginPatterns lists hosts allowed to open the state websocket from a
	// browser. Same-origin requests are always allowed.
	OriginPatterns []string
	Logger         *slog.Logger
}

// NewHandler returns the REST and websocket API of the chat core.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/search", handleSearch(deps))
		r.Route("/pages/{page}", func(r chi.Router) {
			r.Get("/threads", handleListThreads(deps))
			r.Get("/threads/{thread}", handleGetThread(deps))
			r.Get("/blocks/{block}/versions", handleVersions(deps))
			r.Post("/forks", handleFork(deps))
			r.Post("/messages", handleSendMessage(deps))
			r.Delete("/job", handleStopJob(deps))
			r.Get("/state", handleState(deps))
			r.Get("/current-thread", handleGetCurrentThread(deps))
			r.Put("/current-thread", handleSetCurrentThread(deps))
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// pageID resolves the {page} URL parameter. On failure it writes the error
// response and returns false.
func pageID(w http.ResponseWriter, r *http.Request, deps Deps) (string, bool) {
	ref := chi.URLParam(r, "page")
	if deps.Pages == nil {
		return ref, true
	}
	p, err := deps.Pages.ResolvePage(r.Context(), ref)
	if err != nil {
		writeError(w, fmt.Errorf("resolving page %s: %w", ref, err))
		return "", false
	}
	return p.ID, true
}

func threadParam(r *http.Request) string {
	id := chi.URLParam(r, "thread")
	if id == mainThreadParam {
		return thread.MainThread
	}
	return id
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps lookup failures to 404 and everything else to 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, blocks.ErrNotFound),
		errors.Is(err, thread.ErrPageNotFound),
		errors.Is(err, thread.ErrBlockNotFound),
		errors.Is(err, thread.ErrThreadNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, thread.ErrForkDepthExceeded):
		httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
