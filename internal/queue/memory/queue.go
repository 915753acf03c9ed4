// Package memory provides in-process queue implementations.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
)

// buffer is the ordering policy behind a queue.
type buffer interface {
	push(req crawler.Request, priority int)
	pop() (crawler.Request, bool)
	len() int
}

// base holds the blocking machinery shared by the FIFO and priority queues.
type base struct {
	mu       sync.Mutex
	buf      buffer
	capacity int
	closed   bool

	// items and space are wake-up signals. A woken waiter re-pings when more
	// work remains so that a dropped signal never strands a second waiter.
	items chan struct{}
	space chan struct{}
	done  chan struct{}
}

func newBase(buf buffer, capacity int) *base {
	return &base{
		buf:      buf,
		capacity: capacity,
		items:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func ping(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *base) put(ctx context.Context, req crawler.Request, priority int) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return crawler.ErrQueueClosed
		}
		if q.capacity <= 0 || q.buf.len() < q.capacity {
			q.buf.push(req, priority)
			roomLeft := q.capacity <= 0 || q.buf.len() < q.capacity
			q.mu.Unlock()
			ping(q.items)
			if roomLeft {
				ping(q.space)
			}
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("enqueue canceled: %w", ctx.Err())
		case <-q.done:
			return crawler.ErrQueueClosed
		case <-q.space:
		}
	}
}

func (q *base) take() (crawler.Request, bool, error) {
	q.mu.Lock()
	req, ok := q.buf.pop()
	remaining := q.buf.len()
	closed := q.closed
	q.mu.Unlock()
	if !ok {
		if closed {
			return nil, false, crawler.ErrQueueClosed
		}
		return nil, false, nil
	}
	ping(q.space)
	if remaining > 0 {
		ping(q.items)
	}
	return req, true, nil
}

// TryDequeue returns the next item without blocking.
func (q *base) TryDequeue(ctx context.Context) (crawler.Request, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("dequeue canceled: %w", err)
	}
	return q.take()
}

// Dequeue pops the next item, suspending until one arrives or ctx ends.
func (q *base) Dequeue(ctx context.Context) (crawler.Request, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dequeue canceled: %w", err)
		}
		req, ok, err := q.take()
		if err != nil {
			return nil, err
		}
		if ok {
			return req, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.items:
		case <-q.done:
		}
	}
}

// Count returns the number of queued items.
func (q *base) Count(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf.len(), nil
}

// Close stops the queue accepting items. Queued items can still be drained.
func (q *base) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Queue is a FIFO queue. A capacity of zero or less makes it unbounded;
// otherwise Enqueue blocks while the queue is full.
type Queue struct {
	*base
}

var _ crawler.Queue = (*Queue)(nil)

// NewQueue constructs a FIFO queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{base: newBase(&fifo{}, capacity)}
}

// Enqueue appends req, blocking while a bounded queue is full.
func (q *Queue) Enqueue(ctx context.Context, req crawler.Request) error {
	return q.put(ctx, req, 0)
}

type fifo struct {
	items []crawler.Request
	head  int
}

func (f *fifo) push(req crawler.Request, _ int) {
	f.items = append(f.items, req)
}

func (f *fifo) pop() (crawler.Request, bool) {
	if f.head >= len(f.items) {
		return nil, false
	}
	req := f.items[f.head]
	f.items[f.head] = nil
	f.head++
	// Compact once the consumed prefix dominates the backing array.
	if f.head > 64 && f.head*2 >= len(f.items) {
		n := copy(f.items, f.items[f.head:])
		clear(f.items[n:])
		f.items = f.items[:n]
		f.head = 0
	}
	return req, true
}

func (f *fifo) len() int { return len(f.items) - f.head }
