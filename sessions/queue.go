package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueClosed is returned once the owning session has been closed.
	ErrQueueClosed = errors.New("sessions: queue closed")
	// ErrWaitTimeout is returned by Pop when the wait bound elapses with an
	// empty queue.
	ErrWaitTimeout = errors.New("sessions: wait timed out")
)

// Queue is an unbounded FIFO with many producers and a single consumer.
type Queue struct {
	mu     sync.Mutex
	items  []any
	closed bool

	// signal has capacity 1 so a push never blocks and a consumer that was
	// not waiting still observes it on its next wait.
	signal chan struct{}
	done   chan struct{}
}

func newQueue() *Queue {
	return &Queue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends msg to the tail of the queue.
func (q *Queue) Push(msg any) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Len reports the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// TryPop removes the head of the queue without waiting.
func (q *Queue) TryPop() (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue) popLocked() (any, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// Let the backing array go once drained.
		q.items = nil
	}
	return msg, true
}

// Pop waits up to wait for the head of the queue. It returns ErrWaitTimeout
// when the bound elapses, ErrQueueClosed when the queue is closed and the
// context error on cancellation. A message is removed only on a nil error;
// every other outcome leaves the queue untouched.
func (q *Queue) Pop(ctx context.Context, wait time.Duration) (any, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if msg, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return msg, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-q.done:
			return nil, ErrQueueClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrWaitTimeout
		}
	}
}

// Done is closed when the queue is closed.
func (q *Queue) Done() <-chan struct{} { return q.done }

func (q *Queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
}
