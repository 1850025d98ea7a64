package pipeline

import (
	"context"
	"sync"

	"github.com/tkarna/visor/internal/domain"
)

const priorityLevels = domain.PriorityLowest - domain.PriorityHighest + 1

// WorkQueue is the bounded buffer between two pipeline stages. Enqueue never
// blocks: when full it either evicts the newest item of the lowest-priority
// class to admit a more urgent one, or drops the incoming item when the
// incoming item would itself be the lowest-priority occupant. Dequeue blocks
// until an item arrives or the queue is closed, and serves strictly by
// priority with FIFO order inside a priority class.
type WorkQueue[T any] struct {
	mu       sync.Mutex
	buckets  [priorityLevels][]T
	size     int
	capacity int

	drops     uint64
	evictions uint64

	closed  bool
	aborted bool
	wake    chan struct{}
	done    chan struct{}
}

func NewWorkQueue[T any](capacity int) *WorkQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &WorkQueue[T]{
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue admits item at the given priority (1 most urgent .. 5 least). It
// returns false when the item was dropped by the backpressure policy and an
// error only when the queue is closed. It never suspends the caller.
func (q *WorkQueue[T]) Enqueue(item T, priority int) (bool, error) {
	p := domain.ClampPriority(priority) - domain.PriorityHighest

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, domain.ErrQueueClosed
	}

	if q.size >= q.capacity {
		worst := q.worstBucket()
		if p >= worst {
			q.drops++
			q.mu.Unlock()
			return false, nil
		}
		// Evict the newest item of the lowest-priority class.
		b := q.buckets[worst]
		q.buckets[worst] = b[:len(b)-1]
		q.size--
		q.evictions++
	}

	q.buckets[p] = append(q.buckets[p], item)
	q.size++
	q.mu.Unlock()

	q.signal()
	return true, nil
}

// Dequeue returns the most urgent available item, blocking until one arrives,
// ctx ends, or the queue is closed and drained. After Abort, buffered items
// are discarded and waiters get domain.ErrQueueClosed immediately.
func (q *WorkQueue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.size > 0 {
			item := q.popLocked()
			more := q.size > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return zero, domain.ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.wake:
		case <-q.done:
		}
	}
}

func (q *WorkQueue[T]) popLocked() T {
	for p := 0; p < priorityLevels; p++ {
		if len(q.buckets[p]) > 0 {
			item := q.buckets[p][0]
			q.buckets[p] = q.buckets[p][1:]
			q.size--
			return item
		}
	}
	panic("pipeline: popLocked on empty queue")
}

func (q *WorkQueue[T]) worstBucket() int {
	for p := priorityLevels - 1; p >= 0; p-- {
		if len(q.buckets[p]) > 0 {
			return p
		}
	}
	return priorityLevels - 1
}

func (q *WorkQueue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close stops further enqueues. Buffered items remain dequeueable so the
// downstream stage can drain naturally.
func (q *WorkQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Abort closes the queue and discards buffered items. Used on cancellation,
// where in-flight work must stop rather than complete.
func (q *WorkQueue[T]) Abort() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	if !q.aborted {
		q.aborted = true
		for p := range q.buckets {
			q.buckets[p] = nil
		}
		q.size = 0
	}
}

// Depth returns the current number of buffered items.
func (q *WorkQueue[T]) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Drops returns how many incoming items were rejected by the full-queue
// policy. Evictions of older low-priority items are counted separately.
func (q *WorkQueue[T]) Drops() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drops
}

func (q *WorkQueue[T]) Evictions() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evictions
}
