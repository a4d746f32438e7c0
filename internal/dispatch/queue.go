package dispatch

import (
	"slices"
	"sync"
)

// queue is the work stack shared by every worker of a Pool run. Items are
// popped from the tail; the initial contents are stored reversed so the
// first pass visits items in their original order, while requeued items are
// retried before untouched ones.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
}

func newQueue[T any](items []T) *queue[T] {
	stack := slices.Clone(items)
	slices.Reverse(stack)
	return &queue[T]{items: stack}
}

func (q *queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	n := len(q.items)
	if n == 0 {
		return zero, false
	}
	item := q.items[n-1]
	q.items[n-1] = zero
	q.items = q.items[:n-1]
	return item, true
}

func (q *queue[T]) push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
