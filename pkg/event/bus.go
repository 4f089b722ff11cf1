package event

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// defaultHighWater is the default capacity of the bus queue. When the queue is
// full, Publish blocks the producer rather than dropping events.
const defaultHighWater = 256

// Handler consumes a single event. Handlers run on the bus dispatcher
// goroutine for async publishes and on the publisher's goroutine for
// PublishSync; they must not block for long.
type Handler func(Event)

// subscriber pairs a handler with a registration sequence number so that
// handlers on the same pattern run in registration order.
type subscriber struct {
	id int64
	fn Handler
}

// Subscription identifies a single Subscribe registration and allows it to be
// cancelled. Subscriptions are returned by [Bus.Subscribe] because Go function
// values are not comparable — the handle stands in for the (pattern, handler)
// pair.
type Subscription struct {
	bus     *Bus
	pattern string
	id      int64
}

// Cancel removes this subscription from the bus. Cancelling twice is a no-op.
// Events already dispatched to the handler are unaffected; events dispatched
// concurrently with Cancel may still be delivered once.
func (s *Subscription) Cancel() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.unsubscribe(s.pattern, s.id)
	s.bus = nil
}

// Bus is the in-process typed event bus.
//
// Delivery semantics:
//   - Publish enqueues and returns; a single dispatcher goroutine delivers
//     events in publish order, so per-type (in fact global) ordering is
//     preserved for every subscriber.
//   - PublishSync dispatches inline on the caller's stack, exactly once per
//     subscriber.
//   - A handler that panics is logged and skipped; other subscribers and
//     later events are unaffected.
//   - When the queue reaches its high-water mark, Publish blocks the
//     producer (backpressure instead of dropping).
//
// The zero value is not usable; create instances with [NewBus] and call
// [Bus.Start] before publishing.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string][]subscriber // key: pattern; slices are copy-on-write
	nextID int64

	queue   chan Event
	pending sync.WaitGroup

	// pubMu serialises enqueues against shutdown: Publish holds the read
	// side around the stopping check and the send, Stop takes the write
	// side before flipping stopping, so no send can race the shutdown.
	pubMu    sync.RWMutex
	stopping bool

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{} // closed after stopping is set; dispatcher exit signal
	drained   chan struct{}
}

// BusOption configures a [Bus].
type BusOption func(*Bus)

// WithHighWater sets the queue capacity at which Publish starts blocking.
// The default is 256.
func WithHighWater(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan Event, n)
		}
	}
}

// WithLogger sets the logger used for handler failures and dropped events.
// The default is slog.Default().
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBus creates a bus. Call [Bus.Start] before publishing.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		logger:  slog.Default(),
		subs:    make(map[string][]subscriber),
		queue:   make(chan Event, defaultHighWater),
		stopped: make(chan struct{}),
		drained: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the dispatcher goroutine. Calling Start more than once is a
// no-op.
func (b *Bus) Start() {
	if b == nil {
		return
	}
	b.startOnce.Do(func() {
		go b.dispatchLoop()
	})
}

// Stop shuts the bus down. Events already enqueued are still dispatched;
// Publish calls issued after Stop are dropped with a warning. Stop blocks
// until the queue has drained.
func (b *Bus) Stop() {
	if b == nil {
		return
	}
	b.Start() // ensure the dispatcher exists so the queue can drain
	b.stopOnce.Do(func() {
		b.pubMu.Lock()
		b.stopping = true
		b.pubMu.Unlock()
		// Every Publish that passed the stopping check has completed its
		// send by now; the queue only shrinks from here.
		close(b.stopped)
	})
	<-b.drained
}

// Subscribe registers handler for pattern and returns a cancellable
// subscription. pattern is either an exact event type (e.g.
// "dialogue.user_message") or a trailing wildcard (e.g. "memory.*") matching
// every type beneath that namespace prefix. Wildcards do not chain: only a
// single trailing "*" segment is recognised.
//
// A handler registered during dispatch receives only subsequent events.
func (b *Bus) Subscribe(pattern string, handler Handler) *Subscription {
	if b == nil || handler == nil || pattern == "" {
		return &Subscription{}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	// Copy-on-write so concurrent dispatch can iterate the old slice safely.
	old := b.subs[pattern]
	next := make([]subscriber, len(old), len(old)+1)
	copy(next, old)
	b.subs[pattern] = append(next, subscriber{id: id, fn: handler})
	b.mu.Unlock()

	return &Subscription{bus: b, pattern: pattern, id: id}
}

// unsubscribe removes the subscriber with the given id from pattern.
func (b *Bus) unsubscribe(pattern string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.subs[pattern]
	next := make([]subscriber, 0, len(old))
	for _, s := range old {
		if s.id != id {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(b.subs, pattern)
		return
	}
	b.subs[pattern] = next
}

// Publish enqueues ev for asynchronous delivery and returns after the
// enqueue. Publish never returns an error: after Stop the event is dropped
// with a warning, and a full queue blocks the caller until space frees up.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.pubMu.RLock()
	defer b.pubMu.RUnlock()
	if b.stopping {
		b.logger.Warn("event bus: publish after stop, event dropped", "type", ev.Type, "source", ev.Source)
		return
	}
	b.pending.Add(1)
	// May block on a full queue; the dispatcher keeps draining, so the send
	// always completes and Stop waits behind the read lock until it has.
	b.queue <- ev
}

// PublishSync dispatches ev inline on the caller's goroutine, exactly once
// per matching subscriber. It is used where subscribers must not race with
// the publisher (the emotion pipeline's per-rule events).
func (b *Bus) PublishSync(ev Event) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.dispatch(ev)
}

// WaitEmpty blocks until every event enqueued before the call has been
// dispatched to all matching subscribers, or until ctx is done.
func (b *Bus) WaitEmpty(ctx context.Context) error {
	if b == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		b.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchLoop is the single dispatcher goroutine; one consumer preserves
// publish order for every subscriber. The queue channel is never closed:
// after the stop signal no publisher can enqueue, so the loop drains what is
// left and exits.
func (b *Bus) dispatchLoop() {
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
			b.pending.Done()
		case <-b.stopped:
			for {
				select {
				case ev := <-b.queue:
					b.dispatch(ev)
					b.pending.Done()
				default:
					close(b.drained)
					return
				}
			}
		}
	}
}

// dispatch delivers ev to every matching subscriber, exact patterns first,
// then wildcard patterns, each in registration order.
func (b *Bus) dispatch(ev Event) {
	for _, s := range b.matching(ev.Type) {
		b.invoke(ev, s)
	}
}

// matching snapshots the subscribers whose pattern matches eventType.
func (b *Bus) matching(eventType string) []subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	matched := b.subs[eventType]
	for pattern, subs := range b.subs {
		if pattern == eventType {
			continue
		}
		if wildcardMatch(pattern, eventType) {
			matched = append(matched[:len(matched):len(matched)], subs...)
		}
	}
	return matched
}

// invoke runs a single handler, recovering panics so one failing subscriber
// cannot poison the rest.
func (b *Bus) invoke(ev Event, s subscriber) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event bus: handler panicked", "type", ev.Type, "panic", r)
		}
	}()
	s.fn(ev)
}

// wildcardMatch reports whether a "ns.*" pattern matches eventType. The
// wildcard must be the final segment and matches everything beneath the
// prefix, e.g. "memory.*" matches both "memory.recorded" and
// "memory.core.updated".
func wildcardMatch(pattern, eventType string) bool {
	if !strings.HasSuffix(pattern, ".*") {
		return false
	}
	prefix := pattern[:len(pattern)-1] // keep the trailing dot
	return len(eventType) > len(prefix) && strings.HasPrefix(eventType, prefix)
}
