// Package outbox holds the bounded outbound queue of one connection.
package outbox

import (
	"fmt"
	"sync"

	"shuttle/internal/presence/models"
	"shuttle/pkg/platform/sentinel"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 256

// Outbox is a bounded, thread-safe ring buffer of events for one connection.
// When full, the oldest event is dropped to make room for the new one, so a
// slow reader never blocks the producer.
type Outbox struct {
	mu       sync.Mutex
	events   []models.Event
	head     int // next write position
	tail     int // next read position
	count    int
	capacity int
	closed   bool
	ready    chan struct{}
	onDrop   func()

	// Stats
	dropped int64
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithDropHook registers a callback run (outside the lock) for every event
// discarded on overflow.
func WithDropHook(fn func()) Option {
	return func(o *Outbox) {
		o.onDrop = fn
	}
}

// New creates an outbox with the given capacity.
func New(capacity int, opts ...Option) *Outbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	o := &Outbox{
		events:   make([]models.Event, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Send enqueues an event without blocking. It fails only once the outbox is
// closed.
func (o *Outbox) Send(event models.Event) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return fmt.Errorf("outbox: %w", sentinel.ErrClosed)
	}

	dropped := false
	if o.count >= o.capacity {
		o.tail = (o.tail + 1) % o.capacity
		o.count--
		o.dropped++
		dropped = true
	}

	o.events[o.head] = event
	o.head = (o.head + 1) % o.capacity
	o.count++
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}

	if dropped && o.onDrop != nil {
		o.onDrop()
	}
	return nil
}

// Ready is signalled whenever events may be waiting.
func (o *Outbox) Ready() <-chan struct{} {
	return o.ready
}

// DequeueBatch removes up to n events in FIFO order.
func (o *Outbox) DequeueBatch(n int) []models.Event {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.count == 0 {
		return nil
	}
	if n > o.count {
		n = o.count
	}

	result := make([]models.Event, n)
	for i := range n {
		result[i] = o.events[o.tail]
		o.events[o.tail] = models.Event{}
		o.tail = (o.tail + 1) % o.capacity
	}
	o.count -= n
	return result
}

// Close rejects further sends. Events already queued can still be drained.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
}

// Closed reports whether Close was called.
func (o *Outbox) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Len returns the number of queued events.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

// Dropped returns the total number of events discarded on overflow.
func (o *Outbox) Dropped() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
