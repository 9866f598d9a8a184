// Package events is the in-process publish/subscribe channel that carries
// queue changes and notifications to observers.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Filter selects the values a subscriber receives. A nil Filter receives everything.
type Filter[T any] func(T) bool

// Bus fans published values out to subscribers. Publish never blocks: a
// subscriber whose buffer is full is dropped and marked lagged, and must
// resubscribe and resync.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription[T]
	next   uint64
	buffer int
	closed bool
	log    *slog.Logger
}

// Subscription is one observer of a Bus.
type Subscription[T any] struct {
	id     uint64
	ch     chan T
	filter Filter[T]
	bus    *Bus[T]
	lagged atomic.Bool
}

func NewBus[T any](buffer int, log *slog.Logger) *Bus[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus[T]{subs: make(map[uint64]*Subscription[T]), buffer: buffer, log: log}
}

// Subscribe registers a new observer. On a closed bus the returned
// subscription's channel is already closed.
func (b *Bus[T]) Subscribe(filter Filter[T]) *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	s := &Subscription[T]{id: b.next, ch: make(chan T, b.buffer), filter: filter, bus: b}
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish delivers v to every matching subscriber.
func (b *Bus[T]) Publish(_ context.Context, v T) {
	var lagging []*Subscription[T]

	b.mu.RLock()
	for _, s := range b.subs {
		if s.filter != nil && !s.filter(v) {
			continue
		}
		select {
		case s.ch <- v:
		default:
			lagging = append(lagging, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range lagging {
		s.lagged.Store(true)
		if b.remove(s) && b.log != nil {
			b.log.Warn("events.subscriber.lagged", "subscription", s.id, "buffer", b.buffer)
		}
	}
}

// Len returns the number of live subscriptions.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription; later publishes are dropped.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}

func (b *Bus[T]) remove(s *Subscription[T]) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return false
	}
	delete(b.subs, s.id)
	close(s.ch)
	return true
}

// C is closed when the subscription ends, either by Close or by lagging.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Lagged reports whether values were dropped because the buffer was full.
func (s *Subscription[T]) Lagged() bool { return s.lagged.Load() }

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription[T]) Close() { s.bus.remove(s) }
