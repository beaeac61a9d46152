// Package queue provides the bounded buffer between ingestion and the
// correlation engine. Overflow rejects the push; dropped events are
// counted, never silently discarded.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"

	"argus-soar/internal/schema"
)

var (
	// ErrBufferFull is returned when a push would exceed capacity.
	ErrBufferFull = errors.New("event buffer is full")
	// ErrBufferClosed is returned when the buffer has been closed.
	ErrBufferClosed = errors.New("event buffer is closed")
)

// EventBuffer is a fixed-capacity circular buffer of canonical events,
// safe for concurrent producers and consumers.
type EventBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []*schema.SecurityEvent
	head   int
	tail   int
	count  int
	closed bool

	accepted uint64
	consumed uint64
	dropped  uint64
}

// NewEventBuffer creates a buffer with the given capacity.
func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = 10000
	}

	b := &EventBuffer{
		events: make([]*schema.SecurityEvent, capacity),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push enqueues an event. A full buffer rejects the event with
// ErrBufferFull and counts the drop.
func (b *EventBuffer) Push(event *schema.SecurityEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBufferClosed
	}

	if b.count == len(b.events) {
		atomic.AddUint64(&b.dropped, 1)
		return ErrBufferFull
	}

	b.events[b.tail] = event
	b.tail = (b.tail + 1) % len(b.events)
	b.count++
	atomic.AddUint64(&b.accepted, 1)

	b.cond.Signal()
	return nil
}

// Pop dequeues the oldest event, blocking until one is available or the
// buffer is closed and drained.
func (b *EventBuffer) Pop() (*schema.SecurityEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}

	if b.count == 0 {
		return nil, ErrBufferClosed
	}

	event := b.events[b.head]
	b.events[b.head] = nil
	b.head = (b.head + 1) % len(b.events)
	b.count--
	atomic.AddUint64(&b.consumed, 1)

	return event, nil
}

// TryPop dequeues without blocking; ok is false when the buffer is empty.
func (b *EventBuffer) TryPop() (event *schema.SecurityEvent, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil, false
	}

	event = b.events[b.head]
	b.events[b.head] = nil
	b.head = (b.head + 1) % len(b.events)
	b.count--
	atomic.AddUint64(&b.consumed, 1)

	return event, true
}

// Len returns the number of buffered events.
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the buffer capacity.
func (b *EventBuffer) Cap() int {
	return len(b.events)
}

// Close marks the buffer closed and wakes all blocked consumers.
// Already-buffered events remain consumable.
func (b *EventBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Stats reports buffer counters.
func (b *EventBuffer) Stats() Stats {
	return Stats{
		Accepted: atomic.LoadUint64(&b.accepted),
		Consumed: atomic.LoadUint64(&b.consumed),
		Dropped:  atomic.LoadUint64(&b.dropped),
		Depth:    b.Len(),
		Capacity: b.Cap(),
	}
}

// Stats holds buffer counters.
type Stats struct {
	Accepted uint64 `json:"accepted"`
	Consumed uint64 `json:"consumed"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
