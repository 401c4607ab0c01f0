// Package event provides ordered, asynchronous publish/subscribe primitives.
//
// Every subscriber owns an unbounded queue drained by its own goroutine, so a
// publisher never waits on handler work and a slow subscriber never delays
// another. Events reach each subscriber in publish order and none are dropped.
package event

import (
	"sync"

	"github.com/sourcegraph/conc"
)

// Bus fans published values out to subscribers
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber[T]
	nextID uint64
	closed bool
	wg     conc.WaitGroup
}

// NewBus creates an empty bus
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[uint64]*subscriber[T])}
}

// Publish enqueues v for every current subscriber and returns immediately.
// Concurrent publishers are serialized, so all subscribers see one order.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.enqueue(v)
	}
}

// Subscribe registers fn for every published value matching pred (nil
// matches everything). fn runs on the subscriber's own goroutine. The
// returned subscription must be closed to release that goroutine.
func (b *Bus[T]) Subscribe(pred func(T) bool, fn func(T)) *Subscription {
	return b.subscribe(pred, fn, nil)
}

func (b *Bus[T]) subscribe(pred func(T) bool, fn func(T), initial []T) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &subscriber[T]{
		pred:  pred,
		fn:    fn,
		queue: initial,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	if b.closed {
		close(s.stop)
		return &Subscription{}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = s
	if len(initial) > 0 {
		s.wake <- struct{}{}
	}
	b.wg.Go(s.run)

	return &Subscription{cancel: func() { b.unsubscribe(id) }}
}

func (b *Bus[T]) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.stop)
	}
}

// Len returns the number of live subscriptions
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops every subscriber and waits for their goroutines to exit.
// Undelivered values are discarded. Close must not be called from a handler.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.stop)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// Subscription is a handle to a registered handler
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Close unregisters the handler. It does not wait for a running handler to
// return, so it is safe to call from inside one.
func (s *Subscription) Close() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}

type subscriber[T any] struct {
	pred func(T) bool
	fn   func(T)

	mu    sync.Mutex
	queue []T
	wake  chan struct{}
	stop  chan struct{}
}

// enqueue never blocks: the queue grows and the wake channel holds at most
// one pending signal.
func (s *subscriber[T]) enqueue(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) run() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, v := range batch {
				select {
				case <-s.stop:
					return
				default:
				}
				if s.pred == nil || s.pred(v) {
					s.fn(v)
				}
			}
		}
	}
}
