// Package fanout delivers every published value to all current subscribers.
//
// Each subscriber owns an unbounded queue, so Publish never waits on a slow
// consumer and a consumer that goes away affects nobody else. Subscribers can
// be added and removed concurrently with Publish.
package fanout

import (
	"context"
	"sync"

	"github.com/smallnest/chanx"
)

const initialQueueCapacity = 16

// Subscriber receives published values on C in publish order.
type Subscriber[T any] struct {
	id     uint64
	queue  *chanx.UnboundedChan[T]
	cancel context.CancelFunc
	closed bool
}

func newSubscriber[T any](id uint64) *Subscriber[T] {
	// The queue has its own lifetime: it is only cancelled after its input is
	// closed under the set lock, so Publish can never block on a dead queue.
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscriber[T]{
		id:     id,
		queue:  chanx.NewUnboundedChan[T](ctx, initialQueueCapacity),
		cancel: cancel,
	}
}

func (s *Subscriber[T]) ID() uint64 { return s.id }

// C is closed once the subscriber is removed from its set.
func (s *Subscriber[T]) C() <-chan T { return s.queue.Out }

// Pending is the number of values queued but not yet received.
func (s *Subscriber[T]) Pending() int { return s.queue.Len() }

// must hold the set lock
func (s *Subscriber[T]) close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue.In)
	s.cancel()
}

// Set is a dynamic set of subscribers. The zero value is ready to use.
type Set[T any] struct {
	m      sync.Mutex
	nextID uint64
	subs   []*Subscriber[T]
	closed bool
}

// Subscribe adds a subscriber. On a closed set the returned subscriber's C is already closed.
func (s *Set[T]) Subscribe() *Subscriber[T] {
	s.m.Lock()
	defer s.m.Unlock()
	s.nextID++
	sub := newSubscriber[T](s.nextID)
	if s.closed {
		sub.close()
		return sub
	}
	s.subs = append(s.subs, sub)
	return sub
}

// Unsubscribe removes sub and closes its channel. Removing twice is a no-op.
func (s *Set[T]) Unsubscribe(sub *Subscriber[T]) {
	s.m.Lock()
	defer s.m.Unlock()
	for i := 0; i < len(s.subs); i++ {
		if s.subs[i] == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
	sub.close()
}

// Publish queues v for every subscriber and returns how many it reached.
func (s *Set[T]) Publish(v T) int {
	s.m.Lock()
	defer s.m.Unlock()
	for _, sub := range s.subs {
		sub.queue.In <- v
	}
	return len(s.subs)
}

func (s *Set[T]) Len() int {
	s.m.Lock()
	defer s.m.Unlock()
	return len(s.subs)
}

// Close removes every subscriber. Later subscribers are born closed.
func (s *Set[T]) Close() {
	s.m.Lock()
	defer s.m.Unlock()
	s.closed = true
	for _, sub := range s.subs {
		sub.close()
	}
	s.subs = nil
}
