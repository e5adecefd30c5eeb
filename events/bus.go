// Package events provides the publish/subscribe bus for session transitions.
package events

import (
	"log/slog"
	"sync"
	"time"

	segunda "github.com/chimerakang/segunda-go"
	"github.com/google/uuid"
)

// Bus delivers SessionChanged events to listeners on a single dispatcher
// goroutine: events in publish order, listeners in subscription order.
// Publish never waits for listeners.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   []subscriber
	queue  []segunda.SessionChanged
	closed bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

type subscriber struct {
	id segunda.Subscription
	fn segunda.Listener
}

var (
	_ segunda.EventPublisher = (*Bus)(nil)
	_ segunda.EventSource    = (*Bus)(nil)
)

// Option configures the Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report listener panics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithListener subscribes l before the dispatcher starts.
func WithListener(l segunda.Listener) Option {
	return func(b *Bus) { b.Subscribe(l) }
}

// New creates a bus and starts its dispatcher.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger: slog.New(slog.DiscardHandler),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}

	b.wg.Add(1)
	go b.process()

	return b
}

// Subscribe registers l and returns its handle.
func (b *Bus) Subscribe(l segunda.Listener) segunda.Subscription {
	id := segunda.Subscription(uuid.NewString())
	b.mu.Lock()
	b.subs = append(b.subs, subscriber{id: id, fn: l})
	b.mu.Unlock()
	return id
}

// Unsubscribe removes the listener. Unknown handles are ignored.
func (b *Bus) Unsubscribe(s segunda.Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == s {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish queues ev for delivery. Events published after Close are dropped.
func (b *Bus) Publish(ev segunda.SessionChanged) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) process() {
	defer b.wg.Done()

	for {
		select {
		case <-b.wake:
			b.drain()
		case <-b.done:
			b.drain()
			return
		}
	}
}

func (b *Bus) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]
		subs := make([]subscriber, len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		for _, s := range subs {
			b.deliver(s, ev)
		}
	}
}

func (b *Bus) deliver(s subscriber, ev segunda.SessionChanged) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("session listener panicked", "subscription", string(s.id), "panic", r)
		}
	}()
	s.fn(ev)
}

// Close delivers pending events and stops the dispatcher.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
	return nil
}
