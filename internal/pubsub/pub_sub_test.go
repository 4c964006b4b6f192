package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTick EventType = iota
	testName
)

func receive[T any](t *testing.T, ch chan *Event[T]) *Event[T] {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
		return nil
	}
}

func TestPubSub_FanOut(t *testing.T) {
	p := NewPubSub(10)
	defer p.GracefulShutdown()

	a := make(chan *Event[uint64], 1)
	b := make(chan *Event[uint64], 1)
	Subscribe(p, testTick, a, SubscriptionOptions{})
	Subscribe(p, testTick, b, SubscriptionOptions{IsBlocking: true})

	Publish(p, NewEvent(testTick, uint64(7)))

	assert.Equal(t, uint64(7), receive(t, a).Payload)
	ev := receive(t, b)
	assert.Equal(t, testTick, ev.Type)
	assert.Equal(t, uint64(7), ev.Payload)
}

func TestPubSub_FiltersByTypeAndPayload(t *testing.T) {
	p := NewPubSub(10)

	ticks := make(chan *Event[uint64], 4)
	names := make(chan *Event[string], 4)
	Subscribe(p, testTick, ticks, SubscriptionOptions{})
	Subscribe(p, testName, names, SubscriptionOptions{})

	Publish(p, NewEvent(testName, "leader"))
	Publish(p, NewEvent(testTick, "wrong payload"))
	p.GracefulShutdown()

	assert.Len(t, ticks, 0)
	require.Len(t, names, 1)
	assert.Equal(t, "leader", (<-names).Payload)
}

func TestPubSub_NonBlockingSubscriberDrops(t *testing.T) {
	p := NewPubSub(10)

	ch := make(chan *Event[uint64], 1)
	id := Subscribe(p, testTick, ch, SubscriptionOptions{})

	for i := 0; i < 3; i++ {
		Publish(p, NewEvent(testTick, uint64(i)))
	}
	p.GracefulShutdown()

	assert.Equal(t, uint64(0), (<-ch).Payload)
	assert.Equal(t, uint64(2), p.Dropped(testTick, id))
}

func TestPubSub_Unsubscribe(t *testing.T) {
	p := NewPubSub(10)
	defer p.GracefulShutdown()

	ch := make(chan *Event[uint64], 1)
	id := Subscribe(p, testTick, ch, SubscriptionOptions{})
	p.Unsubscribe(testTick, id)
	p.Unsubscribe(testTick, id)

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, p.Dropped(testTick, id))
}

func TestPubSub_Shutdown(t *testing.T) {
	p := NewPubSub(10)
	ch := make(chan *Event[uint64], 1)
	Subscribe(p, testTick, ch, SubscriptionOptions{})

	p.GracefulShutdown()
	p.GracefulShutdown()
	p.ForceShutdown()

	assert.NotPanics(t, func() { Publish(p, NewEvent(testTick, uint64(1))) })
	assert.Len(t, ch, 0)
}
