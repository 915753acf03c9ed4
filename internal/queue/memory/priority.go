package memory

import (
	"container/heap"
	"context"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
)

// PriorityQueue dequeues the item with the lowest priority value first.
// Items with equal priority keep their enqueue order.
type PriorityQueue struct {
	*base
}

var _ crawler.PriorityQueue = (*PriorityQueue)(nil)

// NewPriorityQueue constructs a priority queue; capacity <= 0 is unbounded.
func NewPriorityQueue(capacity int) *PriorityQueue {
	return &PriorityQueue{base: newBase(&priorityBuffer{}, capacity)}
}

// Enqueue adds req with priority zero.
func (q *PriorityQueue) Enqueue(ctx context.Context, req crawler.Request) error {
	return q.put(ctx, req, 0)
}

// EnqueuePriority adds req with the given priority.
func (q *PriorityQueue) EnqueuePriority(ctx context.Context, req crawler.Request, priority int) error {
	return q.put(ctx, req, priority)
}

type prioritized struct {
	req      crawler.Request
	priority int
	seq      uint64
}

type priorityHeap []prioritized

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *priorityHeap) Push(x any) { *h = append(*h, x.(prioritized)) }

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = prioritized{}
	*h = old[:n-1]
	return item
}

type priorityBuffer struct {
	h   priorityHeap
	seq uint64
}

func (b *priorityBuffer) push(req crawler.Request, priority int) {
	b.seq++
	heap.Push(&b.h, prioritized{req: req, priority: priority, seq: b.seq})
}

func (b *priorityBuffer) pop() (crawler.Request, bool) {
	if b.h.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&b.h).(prioritized)
	return item.req, true
}

func (b *priorityBuffer) len() int { return b.h.Len() }
