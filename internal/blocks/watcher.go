package blocks

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
)

// Watcher reports modifications of the database file made by other
// processes (a sync client, a second CLI instance) as ChangeExternal events
// on the Store. Bursts of filesystem events are collapsed into one.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	debounce func(func())
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a Watcher for a file-backed store. window is the quiet
// period after the last filesystem event before a change is reported.
func NewWatcher(store *Store, window time.Duration) (*Watcher, error) {
	if store.Path() == "" {
		return nil, fmt.Errorf("watching in-memory store: no database file")
	}
	if window <= 0 {
		window = 250 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	return &Watcher{
		store:    store,
		watcher:  fw,
		debounce: debounce.New(window),
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching the directory holding the database. It returns
// immediately; events are processed on a background goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.store.Path())
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	w.logger.Debug("watching database directory", "dir", dir)

	go w.run(ctx)
	return nil
}

// Stop ends the watch and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		w.logger.Warn("closing file watcher", "error", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !w.isDatabaseFile(ev.Name) {
		return
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return
	}
	w.debounce(func() {
		w.store.publish(Change{Kind: ChangeExternal})
	})
}

// isDatabaseFile matches the database and its WAL/SHM side files.
func (w *Watcher) isDatabaseFile(name string) bool {
	base := filepath.Base(w.store.Path())
	return strings.HasPrefix(filepath.Base(name), base)
}
