package thread

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kalambet/blockchat/internal/blocks"
)

// Block property names used to link conversation blocks.
const (
	PropRole          = "role"
	PropThreadID      = "thread-id"
	PropReferenceID   = "reference-id"
	PropThreadHash    = "thread-hash"
	PropCurrentThread = "current-thread"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// Message is a chat message derived from a block.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// MessageBlock pairs a block with the message parsed from it.
type MessageBlock struct {
	Block   blocks.Block
	Message Message
}

// Metadata is the thread linkage stored in a block's properties. An empty
// ThreadID means the block is on the main thread; ReferenceID is only set on
// the first block of a fork.
type Metadata struct {
	ThreadID    string
	ReferenceID string
	ThreadHash  string
}

// MetadataOf reads the thread linkage of b.
func MetadataOf(b blocks.Block) Metadata {
	return Metadata{
		ThreadID:    b.Property(PropThreadID),
		ReferenceID: b.Property(PropReferenceID),
		ThreadHash:  b.Property(PropThreadHash),
	}
}

// IsForkRoot reports whether the block starts a fork.
func (m Metadata) IsForkRoot() bool {
	return m.ThreadID != "" && m.ReferenceID != ""
}

var propertyLine = regexp.MustCompile(`^\s*[\w-]+::(\s.*)?$`)

// StripProperties removes "key:: value" declaration lines from block content.
func StripProperties(content string) string {
	lines := strings.Split(content, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if propertyLine.MatchString(l) {
			continue
		}
		kept = append(kept, l)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// ParseMessage derives a message from b. ok is false when the block has no
// valid role and is therefore not part of the conversation.
func ParseMessage(b blocks.Block) (Message, bool) {
	role := Role(b.Property(PropRole))
	if !role.Valid() {
		return Message{}, false
	}
	return Message{Role: role, Content: StripProperties(b.Content)}, true
}

// AppendOptions places a new message. ThreadID selects the thread; setting
// ReferenceID as well makes the message the root of that fork.
type AppendOptions struct {
	ThreadID    string
	ReferenceID string
}

func (o AppendOptions) validate() error {
	if o.ReferenceID != "" && o.ThreadID == "" {
		return fmt.Errorf("reference %s given without a thread id", o.ReferenceID)
	}
	return nil
}
