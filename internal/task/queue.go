// Package task contains the execution side of Eagle-Eye: the task
// queue, the handler registry, and the executor that turns dequeued
// descriptors into ledger entries and slot outcomes.
package task

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when the queue is at capacity. The
	// caller keeps the slot in SCHEDULED and may trigger again later.
	ErrQueueFull = errors.New("task: queue full")

	// ErrQueueClosed is returned once the queue is closed and drained.
	ErrQueueClosed = errors.New("task: queue closed")
)

// Descriptor is one unit of work handed from the scheduler to the
// executor.
type Descriptor struct {
	SlotID      string
	TaskType    string
	Payload     map[string]interface{}
	Timeout     time.Duration
	MaxAttempts int
	EnqueuedAt  time.Time
}

// Queue is a bounded in-process FIFO. Enqueue never blocks; Dequeue
// blocks until work, context cancellation, or close-and-drained.
type Queue struct {
	mu       sync.Mutex
	items    []Descriptor
	capacity int
	closed   bool

	signal  chan struct{}
	closeCh chan struct{}
}

// NewQueue returns a queue holding at most capacity descriptors.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
}

// Enqueue appends a descriptor, stamping EnqueuedAt.
func (q *Queue) Enqueue(d Descriptor) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	d.EnqueuedAt = time.Now().UTC()
	q.items = append(q.items, d)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue pops the oldest descriptor, blocking until one is available.
// A closed queue drains its remaining items before ErrQueueClosed.
func (q *Queue) Dequeue(ctx context.Context) (Descriptor, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			d := q.items[0]
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				// Wake another waiter for the leftover work.
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			return d, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Descriptor{}, ErrQueueClosed
		}

		select {
		case <-q.signal:
		case <-q.closeCh:
		case <-ctx.Done():
			return Descriptor{}, ctx.Err()
		}
	}
}

// Len returns the number of queued descriptors.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting work. Waiting Dequeue calls drain what is left
// and then return ErrQueueClosed. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.closeCh)
}
