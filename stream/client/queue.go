package client

import "sync"

// queue is an unbounded FIFO between the connection reader and a goroutine
// of a publisher or consumer. push never blocks, the credit policy bounds
// the chunks of a consumer and the publish rate bounds the confirmations.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{signal: make(chan struct{}, 1)}
}

func (q *queue[T]) push(items ...T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// ready is signalled after a push
func (q *queue[T]) ready() <-chan struct{} { return q.signal }

// drain removes and returns all queued items
func (q *queue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
