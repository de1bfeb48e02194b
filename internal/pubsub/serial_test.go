package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSerialNestedRunsAfterCurrent(t *testing.T) {
	var s Serial
	var got []string
	s.Do(func() {
		got = append(got, "outer:start")
		s.Do(func() { got = append(got, "inner") })
		got = append(got, "outer:end")
	})
	assert.Equal(t, []string{"outer:start", "outer:end", "inner"}, got)
}

func TestSerialRecoversFromPanic(t *testing.T) {
	var s Serial
	assert.Panics(t, func() {
		s.Do(func() { panic("boom") })
	})

	ran := false
	s.Do(func() { ran = true })
	assert.True(t, ran)
}
