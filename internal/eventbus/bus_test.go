package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: "cycle.finished", Data: 42})

	select {
	case e := <-ch:
		assert.Equal(t, "cycle.finished", e.Type)
		assert.Equal(t, 42, e.Data)
		assert.False(t, e.Time.IsZero())
	default:
		t.Fatal("event not delivered")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	// Flood well past the buffer; extra events drop, Publish returns.
	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: "tick"})
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	_, ok := <-ch
	require.False(t, ok)

	// Publishing after unsubscribe is a no-op, not a panic.
	b.Publish(Event{Type: "tick"})
}
