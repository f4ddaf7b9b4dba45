package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_PublishToKey(t *testing.T) {
	b := NewBroadcaster[int](4)

	alice := b.Subscribe("alice")
	bob := b.Subscribe("bob")

	b.Publish("alice", 1)
	b.Publish("alice", 2)

	assert.Equal(t, 1, <-alice)
	assert.Equal(t, 2, <-alice)
	assert.Len(t, bob, 0)
}

func TestBroadcaster_SlowSubscriberIsDisconnected(t *testing.T) {
	b := NewBroadcaster[int](1)
	ch := b.Subscribe("u")

	b.Publish("u", 1)
	b.Publish("u", 2)

	v, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = <-ch
	assert.False(t, ok, "channel must be closed after overflow")
	assert.Equal(t, 0, b.Subscribers("u"))
}

func TestBroadcaster_UnsubscribeIsIdempotent(t *testing.T) {
	b := NewBroadcaster[string](0)
	ch := b.Subscribe("u")
	assert.Equal(t, 1, b.Subscribers("u"))

	b.Unsubscribe("u", ch)
	b.Unsubscribe("u", ch)

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.Subscribers("u"))
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster[int](2)
	ch := b.Subscribe("u")

	b.Close()
	_, ok := <-ch
	assert.False(t, ok)

	late := b.Subscribe("u")
	_, ok = <-late
	assert.False(t, ok)

	b.Publish("u", 1)
	b.Unsubscribe("u", ch)
}
