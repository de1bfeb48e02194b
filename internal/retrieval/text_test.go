package retrieval

import "testing"

func TestPlainText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "hello   world\n", want: "hello world"},
		{name: "markup", in: "<p>Hello <b>bold</b> world</p>", want: "Hello bold world"},
		{name: "script dropped", in: "before<script>alert(1)</script>after", want: "before after"},
		{name: "entities", in: "fish &amp; chips", want: "fish & chips"},
		{name: "line break", in: "one<br/>two", want: "one two"},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PlainText(tt.in); got != tt.want {
				t.Errorf("PlainText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
