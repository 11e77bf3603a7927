package krunloop

import (
	"context"
	"sync/atomic"
)

// UnboundedQueue buffers events between producers and the RunLoop. Enqueue never blocks
// for long: a pump goroutine drains input into an internal slice.
type UnboundedQueue[T CriticalResource] struct {
	input  chan IEvent[T]
	buffer []IEvent[T]
	output chan IEvent[T]
	done   chan struct{} // closed when pump exits
	closed atomic.Bool
	size   atomic.Int64
}

func NewUnboundedQueue[T CriticalResource](ctx context.Context) *UnboundedQueue[T] {
	q := &UnboundedQueue[T]{
		input:  make(chan IEvent[T], 16),
		output: make(chan IEvent[T]),
		done:   make(chan struct{}),
	}
	go q.pump(ctx)
	return q
}

func (q *UnboundedQueue[T]) pump(ctx context.Context) {
	defer func() {
		close(q.done)
		close(q.output)
	}()
	for {
		var out chan IEvent[T]
		var first IEvent[T]
		if len(q.buffer) > 0 {
			out = q.output
			first = q.buffer[0]
		}
		select {
		case item := <-q.input:
			q.buffer = append(q.buffer, item)
		case out <- first:
			q.buffer[0] = nil
			q.buffer = q.buffer[1:]
			q.size.Add(-1)
		case <-ctx.Done():
			q.closed.Store(true)
			return
		}
	}
}

// Enqueue returns false (and drops the item) once the queue is closed.
func (q *UnboundedQueue[T]) Enqueue(item IEvent[T]) bool {
	if q.closed.Load() {
		return false
	}
	q.size.Add(1)
	select {
	case q.input <- item:
		return true
	case <-q.done:
		q.size.Add(-1)
		return false
	}
}

func (q *UnboundedQueue[T]) GetOutputChan() <-chan IEvent[T] {
	return q.output
}

func (q *UnboundedQueue[T]) GetSize() int64 {
	return q.size.Load()
}

func (q *UnboundedQueue[T]) Close() {
	q.closed.Store(true)
}
