// Package queue provides the unbounded FIFO used by the outbound workers.
package queue

import "sync"

// FIFO is an unbounded, goroutine-safe first-in first-out queue. Push never
// blocks; a single consumer waits on Ready and drains with Pop.
type FIFO[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

// New creates an empty FIFO.
func New[T any]() *FIFO[T] {
	return &FIFO[T]{ready: make(chan struct{}, 1)}
}

// Push appends v and wakes the consumer.
func (q *FIFO[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest item.
func (q *FIFO[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

// Ready fires after one or more Push calls. The consumer must drain with Pop
// until it reports empty before waiting again.
func (q *FIFO[T]) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of queued items.
func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
