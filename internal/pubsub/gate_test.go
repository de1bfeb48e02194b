package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGateListenBeforeOpen(t *testing.T) {
	g := NewGate()
	var order []int
	g.Listen(func() { order = append(order, 1) })
	g.Listen(func() { order = append(order, 2) })

	assert.False(t, g.IsOpen())
	assert.Empty(t, order)

	g.Open()
	g.Open()

	assert.Equal(t, []int{1, 2}, order)
	assert.True(t, g.IsOpen())
}

func TestGateListenAfterOpen(t *testing.T) {
	g := NewGate()
	g.Open()

	calls := 0
	g.Listen(func() { calls++ })
	assert.Equal(t, 1, calls)

	g.Open()
	assert.Equal(t, 1, calls)
}

func TestGateUnsubscribeBeforeOpen(t *testing.T) {
	g := NewGate()
	calls := 0
	unsub := g.Listen(func() { calls++ })
	assert.Equal(t, 1, g.Waiting())
	unsub()
	assert.Equal(t, 0, g.Waiting())

	g.Open()
	assert.Equal(t, 0, calls)
}

func TestGateDone(t *testing.T) {
	g := NewGate()
	select {
	case <-g.Done():
		t.Fatal("Done closed before Open")
	default:
	}

	g.Open()
	select {
	case <-g.Done():
	default:
		t.Fatal("Done not closed after Open")
	}
}
