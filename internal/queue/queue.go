// Package queue holds pending requests in dispatch order.
//
// Requests pop highest priority first; equal priorities pop in admission
// order. The heap is the only shared state and is guarded by one mutex.
// Consumers block in Wait, which is woken by Push rather than by polling.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/mattjoyce/courier/internal/message"
)

type Queue struct {
	mu       sync.Mutex
	items    itemHeap
	nextSeq  uint64
	capacity int
	closed   bool

	signal   chan struct{} // one slot; coalesces wake-ups from Push
	closedCh chan struct{}
}

// New creates a queue. capacity <= 0 means unbounded.
func New(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		items:    make(itemHeap, 0, 64),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// Push admits req, assigns its sequence number and marks it queued.
func (q *Queue) Push(req *message.Request) error {
	if req == nil {
		return fmt.Errorf("request is nil")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	if !req.MarkQueued() {
		return fmt.Errorf("request %s is %s, not admitted", req.ID, req.State())
	}

	q.nextSeq++
	heap.Push(&q.items, item{req: req, seq: q.nextSeq})

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes the next request. ok is false when nothing is pending.
func (q *Queue) Pop() (req *message.Request, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	it := heap.Pop(&q.items).(item)
	return it.req, true
}

// Wait blocks until a request can be popped, ctx ends, or the queue is
// closed and empty.
func (q *Queue) Wait(ctx context.Context) (*message.Request, error) {
	for {
		if req, ok := q.Pop(); ok {
			return req, nil
		}

		select {
		case <-q.signal:
		case <-q.closedCh:
			if req, ok := q.Pop(); ok {
				return req, nil
			}
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len reports the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the configured bound, 0 when unbounded.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Close stops admission and wakes any waiter. Pending requests stay poppable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.closedCh)
}

// Drain removes and returns every pending request in pop order.
func (q *Queue) Drain() []*message.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*message.Request, 0, len(q.items))
	for len(q.items) > 0 {
		out = append(out, heap.Pop(&q.items).(item).req)
	}
	return out
}
