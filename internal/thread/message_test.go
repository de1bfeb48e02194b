package thread

import (
	"testing"

	"github.com/kalambet/blockchat/internal/blocks"
)

func TestStripProperties(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"trailing property", "hello\nrole:: user", "hello"},
		{"leading properties", "thread-id:: abc\nreference-id:: def\n\nbody text", "body text"},
		{"inline double colon kept", "see foo::bar in code", "see foo::bar in code"},
		{"empty value", "key::\nbody", "body"},
		{"only properties", "role:: user", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripProperties(tt.in); got != tt.want {
				t.Errorf("StripProperties(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseMessage(t *testing.T) {
	b := blocks.Block{Content: "hi there", Properties: map[string]string{PropRole: "assistant"}}
	m, ok := ParseMessage(b)
	if !ok {
		t.Fatal("expected a message")
	}
	if m.Role != RoleAssistant || m.Content != "hi there" {
		t.Errorf("ParseMessage = %+v", m)
	}

	if _, ok := ParseMessage(blocks.Block{Content: "note", Properties: map[string]string{}}); ok {
		t.Error("block without role parsed as a message")
	}
}
