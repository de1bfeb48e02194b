package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryInitializeOncePerEpoch(t *testing.T) {
	inits := 0
	r := NewRegistry(func(k string) string {
		inits++
		return "v:" + k
	})

	assert.Equal(t, "v:a", r.Allocate("a"))
	assert.Equal(t, "v:a", r.Allocate("a"))
	assert.Equal(t, 1, inits)
	assert.Equal(t, 2, r.RefCount("a"))

	r.Free("a")
	assert.True(t, r.IsAllocated("a"))
	r.Free("a")
	assert.False(t, r.IsAllocated("a"))

	r.Allocate("a")
	assert.Equal(t, 2, inits)
}

func TestRegistryFreeUnknownKey(t *testing.T) {
	r := NewRegistry(func(int) int { return 0 })
	r.Free(42)
	assert.False(t, r.IsAllocated(42))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryCleanupPredicate(t *testing.T) {
	keep := true
	r := NewRegistry(
		func(string) int { return 1 },
		WithCleanup(func(string, int) bool { return !keep }),
	)

	r.Allocate("k")
	r.Free("k")
	assert.True(t, r.IsAllocated("k"))
	assert.Equal(t, 0, r.RefCount("k"))

	// Extra frees at zero are ignored.
	r.Free("k")
	assert.True(t, r.IsAllocated("k"))

	keep = false
	r.Allocate("k")
	r.Free("k")
	assert.False(t, r.IsAllocated("k"))
}

func TestRegistryGetDoesNotReference(t *testing.T) {
	r := NewRegistry(func(string) int { return 7 })
	_, ok := r.Get("x")
	assert.False(t, ok)

	r.Allocate("x")
	v, ok := r.Get("x")
	assert.True(t, ok)
	assert.Equal(t, 7, v)
	assert.Equal(t, 1, r.RefCount("x"))
}
