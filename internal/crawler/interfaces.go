package crawler

import (
	"context"
	"errors"
)

// ErrQueueClosed is returned by queues that no longer accept or yield items.
var ErrQueueClosed = errors.New("queue closed")

// Queue is the producer-consumer contract shared by every stage boundary.
type Queue interface {
	Enqueue(ctx context.Context, req Request) error
	// TryDequeue returns immediately; ok is false when the queue is empty.
	TryDequeue(ctx context.Context) (req Request, ok bool, err error)
	// Dequeue blocks until an item is available or ctx ends.
	Dequeue(ctx context.Context) (Request, error)
	Count(ctx context.Context) (int, error)
}

// PriorityQueue orders items by priority. Lower values dequeue first and
// items of equal priority keep FIFO order.
type PriorityQueue interface {
	Queue
	EnqueuePriority(ctx context.Context, req Request, priority int) error
}

// ContentStore persists fetched documents behind an opaque handle.
type ContentStore interface {
	Put(ctx context.Context, key string, contentType string, data []byte) (handle string, err error)
	Get(ctx context.Context, handle string) ([]byte, error)
}

// LinkExtractor produces hyperlink targets from document content.
type LinkExtractor interface {
	ExtractLinks(ctx context.Context, base string, content []byte) ([]string, error)
}
