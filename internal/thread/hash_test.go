package thread

import "testing"

func TestComputeThreadHash(t *testing.T) {
	tests := []struct {
		name string
		ids  []string
		want string
	}{
		{"empty", nil, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"three ids", []string{"a", "b", "c"}, "a52dd81bfd5e4e66d96b9f598382f6cbf8c5c3897654e6ae9055e03620fcf38e"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeThreadHash(tt.ids); got != tt.want {
				t.Errorf("ComputeThreadHash(%v) = %q, want %q", tt.ids, got, tt.want)
			}
		})
	}
}

func TestComputeThreadHashOrderSensitive(t *testing.T) {
	a := ComputeThreadHash([]string{"x", "y", "z"})
	b := ComputeThreadHash([]string{"x", "y", "z"})
	c := ComputeThreadHash([]string{"y", "x", "z"})
	if a != b {
		t.Errorf("hash not deterministic: %q vs %q", a, b)
	}
	if a == c {
		t.Error("permuted ids produced the same hash")
	}
}
