package api

import (
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/kalambet/blockchat/internal/chat"
)

// latestState holds the newest state not yet written to a socket. Every
// JobState is a full snapshot, so a slow client only misses intermediate
// ones.
type latestState struct {
	mu    sync.Mutex
	state chat.JobState
	dirty bool
	ready chan struct{}
}

func newLatestState() *latestState {
	return &latestState{ready: make(chan struct{}, 1)}
}

func (l *latestState) put(s chat.JobState) {
	l.mu.Lock()
	l.state = s
	l.dirty = true
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *latestState) take() (chat.JobState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.dirty {
		return chat.JobState{}, false
	}
	l.dirty = false
	return l.state, true
}

// handleState streams the job state of a page as JSON text frames, starting
// with the current one, until the client goes away.
func handleState(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, ok := pageID(w, r, deps)
		if !ok {
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: deps.OriginPatterns,
		})
		if err != nil {
			deps.Logger.Error("ws accept", "page_id", page, "error", err)
			return
		}
		defer conn.CloseNow()

		// Clients only listen; reading is left to CloseRead so that close
		// frames and disconnects cancel ctx.
		ctx := conn.CloseRead(r.Context())

		pending := newLatestState()
		unsubscribe := deps.Chat.Listen(page, pending.put, true)
		defer unsubscribe()
		deps.Logger.Debug("ws state client connected", "page_id", page)

		for {
			select {
			case <-pending.ready:
				s, ok := pending.take()
				if !ok {
					continue
				}
				if err := wsjson.Write(ctx, conn, s); err != nil {
					deps.Logger.Debug("ws write failed", "page_id", page, "error", err)
					return
				}
			case <-ctx.Done():
				deps.Logger.Debug("ws state client disconnected", "page_id", page)
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}
