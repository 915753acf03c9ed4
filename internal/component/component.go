// Package component wraps a stage engine with lifecycle semantics.
package component

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
	"github.com/JakeFAU/stagecrawler/internal/engine"
)

var (
	// ErrInvalidTransition is returned for operations not allowed in the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrFailed is returned by WaitUntilCompleted when the component failed.
	ErrFailed = errors.New("component failed")
	// ErrStopped is returned by WaitUntilCompleted when the component was stopped.
	ErrStopped = errors.New("component stopped")
)

// TrafficFunc reports node-level byte counters.
type TrafficFunc func() (sent, received int64)

// Option customizes a Component.
type Option func(*Component)

// WithTraffic attaches node-level byte counters to status snapshots.
func WithTraffic(fn TrafficFunc) Option {
	return func(c *Component) { c.traffic = fn }
}

// Component runs one stage engine through NotStarted, Running, Pausing,
// Paused and a terminal Completed, Failed or Stopped state.
type Component struct {
	info    crawler.ComponentInfo
	engine  *engine.Engine
	logger  *zap.Logger
	traffic TrafficFunc

	mu         sync.Mutex
	state      crawler.State
	errText    string
	changed    chan struct{}
	cancel     context.CancelFunc
	finishing  crawler.State
	exited     chan struct{}
	snapshots  chan crawler.ComponentStatus
	drainAbort context.CancelFunc
}

// New constructs a Component around eng.
func New(info crawler.ComponentInfo, eng *engine.Engine, logger *zap.Logger, opts ...Option) *Component {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Component{
		info:      info,
		engine:    eng,
		logger:    logger.With(zap.String("component", info.Name), zap.String("component_id", info.ID)),
		state:     crawler.StateNotStarted,
		changed:   make(chan struct{}),
		exited:    make(chan struct{}),
		snapshots: make(chan crawler.ComponentStatus, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Info returns the component identity.
func (c *Component) Info() crawler.ComponentInfo { return c.info }

// Notifications yields one QueuedItemResult per processed item and is closed
// once the component reaches a terminal state.
func (c *Component) Notifications() <-chan crawler.QueuedItemResult {
	return c.engine.Notifications()
}

// Snapshots yields periodic status snapshots. Slow readers miss snapshots.
func (c *Component) Snapshots() <-chan crawler.ComponentStatus { return c.snapshots }

// State returns the current lifecycle state.
func (c *Component) State() crawler.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState must be called with c.mu held.
func (c *Component) setState(s crawler.State) {
	if c.state == s {
		return
	}
	c.logger.Debug("state change", zap.String("from", string(c.state)), zap.String("to", string(s)))
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
}

// Start transitions from NotStarted into Running or Paused and launches the
// engine. ctx bounds the component's lifetime; canceling it stops the component.
func (c *Component) Start(ctx context.Context, initial crawler.State) error {
	if initial != crawler.StateRunning && initial != crawler.StatePaused {
		return fmt.Errorf("%w: cannot start in %s", ErrInvalidTransition, initial)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != crawler.StateNotStarted {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, c.state)
	}
	if initial == crawler.StatePaused {
		c.engine.Pause()
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setState(initial)

	go c.forwardSnapshots(runCtx)
	go c.run(runCtx)
	c.logger.Info("component started", zap.String("state", string(initial)))
	return nil
}

func (c *Component) run(ctx context.Context) {
	defer close(c.exited)
	err := c.engine.Run(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drainAbort != nil {
		c.drainAbort()
	}
	switch {
	case err != nil:
		c.errText = err.Error()
		c.logger.Error("component failed", zap.Error(err))
		c.setState(crawler.StateFailed)
	case c.finishing != "":
		c.setState(c.finishing)
	default:
		// The queue closed or the parent context ended without an explicit
		// request; neither is a successful completion.
		c.setState(crawler.StateStopped)
	}
}

// Pause gates further dequeues. The state is Pausing until in-flight items
// drain and Paused afterwards. Pausing a paused component is a no-op.
func (c *Component) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case crawler.StatePaused, crawler.StatePausing:
		return nil
	case crawler.StateRunning:
	default:
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, c.state)
	}
	c.engine.Pause()
	c.setState(crawler.StatePausing)

	drainCtx, abort := context.WithCancel(context.Background())
	c.drainAbort = abort
	go func() {
		defer abort()
		if err := c.engine.Drain(drainCtx); err != nil {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == crawler.StatePausing && drainCtx.Err() == nil {
			c.setState(crawler.StatePaused)
		}
	}()
	return nil
}

// Resume re-enables dequeuing without discarding queued items.
func (c *Component) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case crawler.StateRunning:
		return nil
	case crawler.StatePaused, crawler.StatePausing:
	default:
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, c.state)
	}
	if c.drainAbort != nil {
		c.drainAbort()
		c.drainAbort = nil
	}
	c.engine.Resume()
	c.setState(crawler.StateRunning)
	return nil
}

// Stop cancels in-flight work and waits for the engine to exit. The final
// state is Stopped. Stopping a terminal component is a no-op.
func (c *Component) Stop(ctx context.Context) error {
	return c.finish(ctx, crawler.StateStopped)
}

// Complete marks a running, idle component Completed. The caller is
// responsible for having established that no more work can arrive.
func (c *Component) Complete(ctx context.Context) error {
	c.mu.Lock()
	if c.state != crawler.StateRunning {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, st)
	}
	c.mu.Unlock()
	return c.finish(ctx, crawler.StateCompleted)
}

func (c *Component) finish(ctx context.Context, final crawler.State) error {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return nil
	}
	if c.state == crawler.StateNotStarted {
		c.setState(final)
		c.mu.Unlock()
		return nil
	}
	if c.finishing == "" {
		c.finishing = final
	}
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	select {
	case <-c.exited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s to exit: %w", c.info.Name, ctx.Err())
	}
}

// WaitUntilCompleted blocks until the component reaches a terminal state. It
// does not force completion. The error distinguishes Failed and Stopped.
func (c *Component) WaitUntilCompleted(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, changed, errText := c.state, c.changed, c.errText
		c.mu.Unlock()
		switch state {
		case crawler.StateCompleted:
			return nil
		case crawler.StateFailed:
			return fmt.Errorf("%s: %w: %s", c.info.Name, ErrFailed, errText)
		case crawler.StateStopped:
			return fmt.Errorf("%s: %w", c.info.Name, ErrStopped)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Status returns a consistent point-in-time snapshot.
func (c *Component) Status(ctx context.Context) crawler.ComponentStatus {
	stats, err := c.engine.Stats(ctx)
	if err != nil {
		c.logger.Debug("status queue count unavailable", zap.Error(err))
	}
	return c.statusFrom(stats)
}

func (c *Component) statusFrom(stats engine.Stats) crawler.ComponentStatus {
	c.mu.Lock()
	state, errText := c.state, c.errText
	c.mu.Unlock()

	st := crawler.ComponentStatus{
		Info:               c.info,
		State:              state,
		TasksInUse:         stats.InFlight,
		MaxConcurrentTasks: stats.Capacity,
		QueueCount:         stats.QueueCount,
		Abandoned:          stats.Abandoned,
		Processed:          stats.Processed,
		Failed:             stats.Failed,
		Error:              errText,
		CapturedAt:         stats.CapturedAt,
	}
	if c.traffic != nil {
		st.BytesSent, st.BytesReceived = c.traffic()
	}
	return st
}

func (c *Component) forwardSnapshots(ctx context.Context) {
	src := c.engine.Snapshots()
	for {
		select {
		case <-ctx.Done():
			return
		case stats := <-src:
			select {
			case c.snapshots <- c.statusFrom(stats):
			default:
			}
		}
	}
}
