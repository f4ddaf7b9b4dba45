// Package events fans out per-user notifications to in-process subscribers.
package events

import (
	"sync"
)

// DefaultBuffer per-subscriber channel capacity used when none is given.
const DefaultBuffer = 64

// Broadcaster fans out values to subscribers of a key via buffered channels.
// A subscriber whose buffer is full is disconnected: its channel is closed and
// removed, so the reader sees the gap instead of silently losing a value.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[string]map[chan T]struct{}
	buffer int
	closed bool
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster[T any](buffer int) *Broadcaster[T] {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Broadcaster[T]{
		subs:   make(map[string]map[chan T]struct{}),
		buffer: buffer,
	}
}

// Publish sends v to every subscriber of key.
func (b *Broadcaster[T]) Publish(key string, v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[key] {
		select {
		case ch <- v:
		default:
			// slow consumer
			b.removeLocked(key, ch)
		}
	}
}

// Subscribe returns a channel that receives values published under key until
// Unsubscribe is called. The channel is closed immediately if the broadcaster is closed.
func (b *Broadcaster[T]) Subscribe(key string) chan T {
	ch := make(chan T, b.buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	if b.subs[key] == nil {
		b.subs[key] = make(map[chan T]struct{})
	}
	b.subs[key][ch] = struct{}{}
	return ch
}

// Unsubscribe removes the channel and closes it. Unknown channels are ignored.
func (b *Broadcaster[T]) Unsubscribe(key string, ch chan T) {
	b.mu.Lock()
	b.removeLocked(key, ch)
	b.mu.Unlock()
}

// Subscribers returns the number of live subscribers of key.
func (b *Broadcaster[T]) Subscribers(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key])
}

// Close disconnects every subscriber. Later subscriptions receive closed channels.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, set := range b.subs {
		for ch := range set {
			close(ch)
		}
		delete(b.subs, key)
	}
	b.closed = true
}

func (b *Broadcaster[T]) removeLocked(key string, ch chan T) {
	set, ok := b.subs[key]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(b.subs, key)
	}
}
