package emitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitOrderAndPayload(t *testing.T) {
	t.Parallel()

	e := New()
	var got []string
	e.On(EventChange, func(p Payload) { got = append(got, "first") })
	e.On(EventChange, func(p Payload) {
		got = append(got, "second")
		assert.Equal(t, int64(10), p.ChainID)
	})
	e.On(EventDisconnect, func(Payload) { got = append(got, "disconnect") })

	assert.True(t, e.Emit(EventChange, Payload{ChainID: 10}))
	assert.Equal(t, []string{"first", "second"}, got)
	assert.False(t, e.Emit(EventConnect, Payload{}))
}

func TestUnsubscribeIsolated(t *testing.T) {
	t.Parallel()

	e := New()
	var a, b int
	subA := e.On(EventChange, func(Payload) { a++ })
	e.On(EventChange, func(Payload) { b++ })

	e.Emit(EventChange, Payload{})
	subA.Unsubscribe()
	subA.Unsubscribe()
	e.Emit(EventChange, Payload{})

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 1, e.ListenerCount(EventChange))
}

func TestUnsubscribeDuringEmit(t *testing.T) {
	t.Parallel()

	e := New()
	var second *Subscription
	calls := 0
	e.On(EventDisconnect, func(Payload) { second.Unsubscribe() })
	second = e.On(EventDisconnect, func(Payload) { calls++ })

	e.Emit(EventDisconnect, Payload{})
	assert.Equal(t, 0, calls)
}

func TestRemoveAll(t *testing.T) {
	t.Parallel()

	e := New()
	calls := 0
	e.On(EventMessage, func(Payload) { calls++ })
	e.RemoveAll()
	e.Emit(EventMessage, Payload{Message: &Message{Type: "x"}})
	assert.Equal(t, 0, calls)
}
