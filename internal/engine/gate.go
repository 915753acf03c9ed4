package engine

import (
	"context"
	"sync"
)

// Gate admits or holds back dequeues. Closing the gate cancels the context
// handed to waiters so that a blocked Dequeue returns promptly.
type Gate struct {
	mu      sync.Mutex
	open    context.Context
	close   context.CancelFunc
	resumed chan struct{}
}

// NewGate returns a gate, initially closed when paused is true.
func NewGate(paused bool) *Gate {
	g := &Gate{resumed: make(chan struct{})}
	g.open, g.close = context.WithCancel(context.Background())
	if paused {
		g.close()
	} else {
		close(g.resumed)
	}
	return g
}

// Pause closes the gate. It is a no-op when already closed.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open.Err() != nil {
		return
	}
	g.close()
	g.resumed = make(chan struct{})
}

// Resume reopens the gate. It is a no-op when already open.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open.Err() == nil {
		return
	}
	g.open, g.close = context.WithCancel(context.Background())
	close(g.resumed)
}

// Paused reports whether the gate is closed.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open.Err() != nil
}

// Wait blocks while the gate is closed. The returned context is canceled
// the next time the gate closes.
func (g *Gate) Wait(ctx context.Context) (context.Context, error) {
	for {
		g.mu.Lock()
		if g.open.Err() == nil {
			open := g.open
			g.mu.Unlock()
			return open, nil
		}
		resumed := g.resumed
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-resumed:
		}
	}
}
