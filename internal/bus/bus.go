// Package bus fans published values out to independent subscribers.
package bus

import (
	"log/slog"
	"sync"
)

// Bus delivers every published value to each subscriber on that
// subscriber's own lane. A lane is an unbounded FIFO drained by one
// goroutine, so Publish never blocks on a slow listener and each listener
// sees values in publish order.
type Bus[T any] struct {
	lanes  map[uint64]*lane[T]
	next   uint64
	closed bool
	logger *slog.Logger
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// New creates an empty Bus. The name tags log records from recovered
// listener panics.
func New[T any](name string) *Bus[T] {
	return &Bus[T]{
		lanes:  make(map[uint64]*lane[T]),
		logger: slog.Default().With("component", "bus", "bus", name),
	}
}

// Subscribe registers a listener for every value. The returned function
// removes it; values still queued for that listener are dropped.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	return b.SubscribeFunc(nil, fn)
}

// SubscribeFunc registers a listener that only receives values for which
// filter returns true. A nil filter accepts everything.
func (b *Bus[T]) SubscribeFunc(filter func(T) bool, fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.next
	b.next++
	l := &lane[T]{
		filter: filter,
		fn:     fn,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: b.logger,
	}
	b.lanes[id] = l
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		l.run()
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.lanes, id)
			b.mu.Unlock()
			close(l.done)
		})
	}
}

// Publish queues v for every current subscriber and returns immediately.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, l := range b.lanes {
		if l.filter != nil && !l.filter(v) {
			continue
		}
		l.push(v)
	}
}

// Len returns the number of subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.lanes)
}

// Close drops all subscribers and waits for in-flight listener calls to
// return. Publish after Close is a no-op.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, l := range b.lanes {
		delete(b.lanes, id)
		close(l.done)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

type lane[T any] struct {
	filter func(T) bool
	fn     func(T)
	queue  []T
	wake   chan struct{}
	done   chan struct{}
	logger *slog.Logger
	mu     sync.Mutex
}

func (l *lane[T]) push(v T) {
	l.mu.Lock()
	l.queue = append(l.queue, v)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *lane[T]) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()

			for _, v := range batch {
				select {
				case <-l.done:
					return
				default:
				}
				l.deliver(v)
			}
		}
	}
}

func (l *lane[T]) deliver(v T) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("listener panicked", "panic", r)
		}
	}()
	l.fn(v)
}
