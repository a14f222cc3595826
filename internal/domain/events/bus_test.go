package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestEmitOrder(t *testing.T) {
	bus := NewBus(nil)
	var order []string

	bus.Subscribe(Wildcard, func(e Event) { order = append(order, "wild:"+e.Topic) })
	bus.Subscribe("a", func(e Event) { order = append(order, "first") })
	bus.Subscribe("a", func(e Event) { order = append(order, "second") })

	n := bus.Emit("a", nil)

	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"first", "second", "wild:a"}, order)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	unsubscribe := bus.Subscribe("topic", func(Event) { calls++ })

	bus.Emit("topic", nil)
	unsubscribe()
	unsubscribe()
	bus.Emit("topic", nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.Count("topic"))
	assert.Empty(t, bus.Topics())
}

func TestUnsubscribeKeepsOthers(t *testing.T) {
	bus := NewBus(nil)
	var got []int
	bus.Subscribe("t", func(Event) { got = append(got, 1) })
	un := bus.Subscribe("t", func(Event) { got = append(got, 2) })
	bus.Subscribe("t", func(Event) { got = append(got, 3) })

	un()
	bus.Emit("t", nil)

	assert.Equal(t, []int{1, 3}, got)
}

func TestPayloadDelivered(t *testing.T) {
	bus := NewBus(nil)
	var got Event
	bus.Subscribe(SyncDataLoss, func(e Event) { got = e })

	bus.Emit(SyncDataLoss, map[string]int{"evicted": 1})

	assert.Equal(t, SyncDataLoss, got.Topic)
	assert.Equal(t, map[string]int{"evicted": 1}, got.Payload)
}

func TestPanicRecovered(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	bus := NewBus(zap.New(core))

	reached := false
	bus.Subscribe("t", func(Event) { panic("boom") })
	bus.Subscribe("t", func(Event) { reached = true })

	require.NotPanics(t, func() { bus.Emit("t", nil) })
	assert.True(t, reached)
	assert.Equal(t, 1, logs.FilterMessage("event handler panicked").Len())
}

func TestClear(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe("a", func(Event) {})
	bus.Subscribe("b", func(Event) {})

	bus.Clear()

	assert.Equal(t, 0, bus.Emit("a", nil))
	assert.Empty(t, bus.Topics())
}
