package blocks

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Page is a named container of ordered blocks.
type Page struct {
	ID         string
	Name       string
	Properties map[string]string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Block is one unit of page content. Seq orders blocks within their page.
type Block struct {
	UUID       string
	PageID     string
	Seq        int64
	Content    string
	Properties map[string]string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Property returns the value of a block property, or "".
func (b Block) Property(key string) string {
	return b.Properties[key]
}

// Query selects blocks whose property equals a value. PageID, when set,
// restricts the search to one page.
type Query struct {
	PageID   string
	Property string
	Value    string
}

// ChangeKind classifies a Change.
type ChangeKind string

const (
	ChangeBlockAdded   ChangeKind = "block_added"
	ChangeBlockUpdated ChangeKind = "block_updated"
	ChangeBlockRemoved ChangeKind = "block_removed"
	ChangeBlockMoved   ChangeKind = "block_moved"
	ChangePageUpdated  ChangeKind = "page_updated"
	// ChangeExternal is reported when the database file was modified by
	// another process. PageID and BlockID are empty.
	ChangeExternal ChangeKind = "external"
)

// Change describes a write to the store.
type Change struct {
	Kind    ChangeKind
	PageID  string
	BlockID string
}

// Job is a queued background task.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
