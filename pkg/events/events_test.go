package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOnAndEmit(t *testing.T) {
	e := New()
	var got []any
	e.On("ping", func(args ...any) {
		got = args
	})

	assert.True(t, e.Emit("ping", 1, "two"))
	assert.Equal(t, []any{1, "two"}, got)

	assert.False(t, e.Emit("unknown"))
}

func TestListenersRunInOrder(t *testing.T) {
	e := New()
	var order []int
	e.On("x", func(...any) { order = append(order, 1) })
	e.On("x", func(...any) { order = append(order, 2) })
	e.On("x", func(...any) { order = append(order, 3) })

	e.Emit("x")
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestOnce(t *testing.T) {
	e := New()
	calls := 0
	e.Once("boot", func(...any) { calls++ })

	e.Emit("boot")
	e.Emit("boot")
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, e.ListenerCount("boot"))
}

func TestRemoveListener(t *testing.T) {
	e := New()
	calls := 0
	fn := func(...any) { calls++ }
	e.On("x", fn)
	e.On("x", func(...any) {})
	assert.Equal(t, 2, e.ListenerCount("x"))

	e.RemoveListener("x", fn)
	assert.Equal(t, 1, e.ListenerCount("x"))

	e.Emit("x")
	assert.Equal(t, 0, calls)
}

func TestRemoveAllListeners(t *testing.T) {
	e := New()
	e.On("a", func(...any) {})
	e.On("b", func(...any) {})

	e.RemoveAllListeners("a")
	assert.Equal(t, 0, e.ListenerCount("a"))
	assert.Equal(t, 1, e.ListenerCount("b"))

	e.RemoveAllListeners()
	assert.Equal(t, 0, e.ListenerCount("b"))
}
