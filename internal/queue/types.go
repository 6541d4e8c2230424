package queue

import (
	"errors"

	"github.com/mattjoyce/courier/internal/message"
)

var (
	// ErrQueueFull is returned by Push when the configured capacity is reached.
	ErrQueueFull = errors.New("queue full")
	// ErrClosed is returned once the queue no longer admits or yields requests.
	ErrClosed = errors.New("queue closed")
)

// item pairs a request with its admission sequence number, which breaks ties
// between equal priorities.
type item struct {
	req *message.Request
	seq uint64
}

// itemHeap implements heap.Interface ordered by (priority desc, seq asc).
type itemHeap []item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = item{} // release the request for GC
	*h = old[:n-1]
	return it
}
