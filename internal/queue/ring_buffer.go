// Package queue provides the hand-off buffer between the monitor pipeline
// and the ClickHouse mirror. Pushes never block; when the mirror cannot
// keep up, alerts are dropped from the mirror feed and counted. The JSONL
// store has already persisted them by then.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zx159753/kernel-audit-system/internal/schema"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// RingBuffer is a thread-safe circular buffer of alerts.
type RingBuffer struct {
	buffer []*schema.Alert
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond

	pushed  atomic.Uint64
	popped  atomic.Uint64
	dropped atomic.Uint64
}

// NewRingBuffer creates a buffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1024
	}
	rb := &RingBuffer{
		buffer: make([]*schema.Alert, size),
		size:   size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push adds an alert without blocking. A full buffer drops the alert and
// returns ErrQueueFull.
func (rb *RingBuffer) Push(alert *schema.Alert) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}
	if rb.count == rb.size {
		rb.dropped.Add(1)
		return ErrQueueFull
	}

	rb.buffer[rb.tail] = alert
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	rb.pushed.Add(1)

	rb.cond.Signal()
	return nil
}

func (rb *RingBuffer) popLocked() *schema.Alert {
	alert := rb.buffer[rb.head]
	rb.buffer[rb.head] = nil
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	rb.popped.Add(1)
	return alert
}

// Pop removes the oldest alert, or returns ErrQueueEmpty.
func (rb *RingBuffer) Pop() (*schema.Alert, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		if rb.closed {
			return nil, ErrQueueClosed
		}
		return nil, ErrQueueEmpty
	}
	return rb.popLocked(), nil
}

// PopBlocking removes the oldest alert, waiting until one is available or
// the buffer is closed and drained.
func (rb *RingBuffer) PopBlocking() (*schema.Alert, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		rb.cond.Wait()
	}
	if rb.count == 0 {
		return nil, ErrQueueClosed
	}
	return rb.popLocked(), nil
}

// PopWithTimeout removes the oldest alert, waiting at most timeout.
// Returns ErrQueueEmpty when the deadline passes with nothing to pop.
func (rb *RingBuffer) PopWithTimeout(timeout time.Duration) (*schema.Alert, error) {
	deadline := time.Now().Add(timeout)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		if !time.Now().Before(deadline) {
			return nil, ErrQueueEmpty
		}
		wake := time.AfterFunc(time.Until(deadline), func() {
			rb.mu.Lock()
			rb.cond.Broadcast()
			rb.mu.Unlock()
		})
		rb.cond.Wait()
		wake.Stop()
	}

	if rb.count == 0 {
		return nil, ErrQueueClosed
	}
	return rb.popLocked(), nil
}

// Len returns the number of buffered alerts.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the buffer capacity.
func (rb *RingBuffer) Cap() int {
	return rb.size
}

// Close stops the buffer and wakes all waiters. Buffered alerts can still
// be drained with Pop or PopBlocking.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Metrics returns buffer statistics.
func (rb *RingBuffer) Metrics() Metrics {
	return Metrics{
		Pushed:   rb.pushed.Load(),
		Popped:   rb.popped.Load(),
		Dropped:  rb.dropped.Load(),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// Metrics holds buffer statistics.
type Metrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
