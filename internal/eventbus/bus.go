// Package eventbus provides an in-memory multi-consumer broadcast used by
// the task queue and the agent runtime engine. Each subscriber gets an
// independent buffered channel; a slow subscriber loses events rather than
// blocking the producer.
package eventbus

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
)

const subscriberBuffer = 64

type Bus[T any] struct {
	mu   sync.RWMutex
	subs map[string]*subscriber[T]
}

type subscriber[T any] struct {
	ch chan T
}

func New[T any]() *Bus[T] {
	return &Bus[T]{subs: map[string]*subscriber[T]{}}
}

// Subscribe registers a new consumer. The snapshot items are delivered
// before any live event, in order. The subscription ends when ctx is
// cancelled; the returned channel is closed at that point.
//
// Callers that need the snapshot to be consistent with the live stream
// must compute the snapshot and call Subscribe under the same exclusive
// section that serializes their Publish calls.
func (b *Bus[T]) Subscribe(ctx context.Context, snapshot []T) <-chan T {
	ch := make(chan T, len(snapshot)+subscriberBuffer)
	for _, item := range snapshot {
		ch <- item
	}
	id := ulid.Make().String()

	sub := &subscriber[T]{ch: ch}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *Bus[T]) Publish(event T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			// Drop if subscriber is slow.
		}
	}
}

func (b *Bus[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
