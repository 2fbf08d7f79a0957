// Package liveevents is a fan-out event bus used to feed a live crash
// dashboard from frontend-raised events (ClientCrash in particular),
// without coupling the frontend to any particular dashboard transport.
package liveevents

import (
	"context"
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Event is a single fan-out notification. Payload carries whatever the
// frontend published (e.g. the STATUS message that reported a crash).
type Event struct {
	Name      string
	Payload   any
	Timestamp time.Time
}

// Bus is a fan-out pub/sub event bus. Subscribers receive all events
// published after they subscribe; slow subscribers fall behind and have
// events dropped rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	next uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Publish implements frontend.Events. It never blocks and never fails:
// a full subscriber buffer drops the event for that subscriber only.
func (b *Bus) Publish(ctx context.Context, name string, payload any) error {
	evt := Event{Name: name, Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel receiving all future events and a cancel
// function that unsubscribes and closes the channel. Callers must
// invoke cancel when done.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}
