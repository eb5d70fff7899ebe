package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/coachpo/tidemark/errs"
)

// Queue is a bounded FIFO. Put blocks when the queue is full, propagating
// backpressure to producers; TryPut never blocks.
type Queue[T any] struct {
	name      string
	ch        chan T
	processed atomic.Uint64
	closeOnce sync.Once
	closed    chan struct{}
}

// NewQueue constructs a queue with the given capacity.
func NewQueue[T any](name string, capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	q := new(Queue[T])
	q.name = name
	q.ch = make(chan T, capacity)
	q.closed = make(chan struct{})
	return q
}

// Name returns the queue's label used in logs and metrics.
func (q *Queue[T]) Name() string { return q.name }

// Put enqueues the item, blocking while the queue is full.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	select {
	case <-q.closed:
		return errs.New("engine/queue", errs.CodeUnavailable,
			errs.WithMessage("queue closed"), errs.WithField("queue", q.name))
	default:
	}
	select {
	case q.ch <- item:
		return nil
	case <-q.closed:
		return errs.New("engine/queue", errs.CodeUnavailable,
			errs.WithMessage("queue closed"), errs.WithField("queue", q.name))
	case <-ctx.Done():
		return errs.New("engine/queue", errs.CodeTimeout,
			errs.WithMessage("enqueue cancelled"), errs.WithField("queue", q.name),
			errs.WithCause(ctx.Err()))
	}
}

// TryPut enqueues without blocking and reports whether the item was accepted.
func (q *Queue[T]) TryPut(item T) bool {
	select {
	case <-q.closed:
		return false
	default:
	}
	select {
	case q.ch <- item:
		return true
	default:
		return false
	}
}

// C exposes the receive side for drain loops.
func (q *Queue[T]) C() <-chan T { return q.ch }

// Len reports the number of items waiting in the queue.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Processed reports how many items drain loops have completed.
func (q *Queue[T]) Processed() uint64 { return q.processed.Load() }

// MarkProcessed records the completion of one dequeued item.
func (q *Queue[T]) MarkProcessed() { q.processed.Add(1) }

// Close rejects further Puts. Items already queued remain receivable.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}
