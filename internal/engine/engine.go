// Package engine drives a bounded pool of concurrent workers that pull items
// from a queue and hand each one to a stage processor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
)

const (
	defaultNotifyBuffer   = 64
	defaultStatusInterval = time.Second
	maxDequeueFailures    = 5
)

// Processor handles one dequeued item. A non-nil error, a panic, or a result
// with a failure reason all mark the item failed.
type Processor interface {
	Process(ctx context.Context, req crawler.Request) (crawler.Result, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, req crawler.Request) (crawler.Result, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, req crawler.Request) (crawler.Result, error) {
	return f(ctx, req)
}

// Config controls Engine behavior.
type Config struct {
	Kind               crawler.Kind
	MaxConcurrentItems int
	// ItemTimeout bounds each item. Zero disables the per-item timeout.
	ItemTimeout time.Duration
	// StatusInterval is the cadence of aggregate Stats snapshots.
	StatusInterval time.Duration
	NotifyBuffer   int
	StartPaused    bool
}

// Stats is an aggregate point-in-time view of the engine.
type Stats struct {
	QueueCount int
	InFlight   int
	Abandoned  int
	Capacity   int
	Processed  int64
	Failed     int64
	CapturedAt time.Time
}

// Engine runs a Processor over a Queue.
type Engine struct {
	queue  crawler.Queue
	proc   Processor
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	sem  *semaphore.Weighted
	gate *Gate

	inFlight  atomic.Int64
	dequeuing atomic.Int64
	abandoned atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	quiet     chan struct{}

	items     chan crawler.QueuedItemResult
	snapshots chan Stats
	runOnce   sync.Once
}

// New constructs an Engine. MaxConcurrentItems below one is treated as one.
func New(queue crawler.Queue, proc Processor, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrentItems < 1 {
		cfg.MaxConcurrentItems = 1
	}
	if cfg.NotifyBuffer <= 0 {
		cfg.NotifyBuffer = defaultNotifyBuffer
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	return &Engine{
		queue:     queue,
		proc:      proc,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", cfg.Kind.String())),
		now:       time.Now,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentItems)),
		gate:      NewGate(cfg.StartPaused),
		quiet:     make(chan struct{}, 1),
		items:     make(chan crawler.QueuedItemResult, cfg.NotifyBuffer),
		snapshots: make(chan Stats, 1),
	}
}

// Notifications yields exactly one result per dequeued item. The channel is
// closed when Run returns. Sends block, so the channel must be drained.
func (e *Engine) Notifications() <-chan crawler.QueuedItemResult { return e.items }

// Snapshots yields periodic Stats. Snapshots are dropped when nobody reads.
func (e *Engine) Snapshots() <-chan Stats { return e.snapshots }

// Pause stops further dequeues. In-flight items keep running.
func (e *Engine) Pause() { e.gate.Pause() }

// Resume re-enables dequeues.
func (e *Engine) Resume() { e.gate.Resume() }

// Paused reports whether dequeues are gated.
func (e *Engine) Paused() bool { return e.gate.Paused() }

// InFlight returns the number of items currently occupying a worker slot.
func (e *Engine) InFlight() int { return int(e.inFlight.Load()) }

// Capacity returns the configured concurrency limit.
func (e *Engine) Capacity() int { return e.cfg.MaxConcurrentItems }

// Drain blocks until no items are in flight, no dequeue is outstanding, or
// ctx ends.
func (e *Engine) Drain(ctx context.Context) error {
	for {
		if e.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.quiet:
		}
	}
}

// Stats captures current counters and queue depth.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	count, err := e.queue.Count(ctx)
	if err != nil {
		err = fmt.Errorf("queue count: %w", err)
	}
	return Stats{
		QueueCount: count,
		InFlight:   int(e.inFlight.Load()),
		Abandoned:  int(e.abandoned.Load()),
		Capacity:   e.cfg.MaxConcurrentItems,
		Processed:  e.processed.Load(),
		Failed:     e.failed.Load(),
		CapturedAt: e.now().UTC(),
	}, err
}

// Run blocks, consuming the queue until ctx is canceled or the queue is
// closed. Canceling ctx is a hard stop: in-flight items see their context
// canceled. Run returns an error only when the loop cannot continue.
func (e *Engine) Run(ctx context.Context) error {
	started := false
	e.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("engine already ran")
	}
	defer close(e.items)

	var wg sync.WaitGroup
	statusCtx, stopStatus := context.WithCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.publishStats(statusCtx)
	}()

	err := e.loop(ctx, &wg)
	stopStatus()
	wg.Wait()
	return err
}

func (e *Engine) loop(ctx context.Context, wg *sync.WaitGroup) error {
	failures := 0
	for {
		// Acquiring before dequeuing is what bounds concurrency: a full pool
		// leaves items in the queue.
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		e.dequeuing.Add(1)
		req, err := e.next(ctx)
		if err != nil {
			e.sem.Release(1)
			e.dequeued()
			switch {
			case ctx.Err() != nil, errors.Is(err, crawler.ErrQueueClosed):
				return nil
			case errors.Is(err, errGateClosed):
				continue
			}
			failures++
			e.logger.Warn("dequeue failed", zap.Int("attempt", failures), zap.Error(err))
			if failures >= maxDequeueFailures {
				return fmt.Errorf("dequeue failed %d times: %w", failures, err)
			}
			if !sleepCtx(ctx, time.Duration(failures)*100*time.Millisecond) {
				return nil
			}
			continue
		}
		failures = 0

		e.inFlight.Add(1)
		e.dequeued()
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := e.handle(ctx, req)
			e.items <- res
			if res.Status == crawler.ItemFailed {
				e.failed.Add(1)
			}
			e.processed.Add(1)
			e.inFlight.Add(-1)
			e.signalQuiet()
			e.sem.Release(1)
		}()
	}
}

func (e *Engine) idle() bool {
	return e.inFlight.Load() == 0 && e.dequeuing.Load() == 0
}

func (e *Engine) dequeued() {
	e.dequeuing.Add(-1)
	e.signalQuiet()
}

func (e *Engine) signalQuiet() {
	if !e.idle() {
		return
	}
	select {
	case e.quiet <- struct{}{}:
	default:
	}
}

var errGateClosed = errors.New("gate closed")

// next waits for the gate and dequeues one item. Closing the gate cancels a
// pending dequeue; an item that arrives after the gate closed goes back on
// the queue.
func (e *Engine) next(ctx context.Context) (crawler.Request, error) {
	open, err := e.gate.Wait(ctx)
	if err != nil {
		return nil, err
	}
	dqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(open, cancel)
	defer stop()

	req, err := e.queue.Dequeue(dqCtx)
	if err != nil {
		if ctx.Err() == nil && open.Err() != nil {
			return nil, errGateClosed
		}
		return nil, err
	}
	if open.Err() == nil {
		return req, nil
	}
	if err := e.queue.Enqueue(ctx, req); err != nil {
		// The item is processed rather than dropped.
		e.logger.Warn("requeue after pause failed, processing item",
			zap.String("request_id", req.RequestID()),
			zap.Error(err),
		)
		return req, nil
	}
	return nil, errGateClosed
}

type outcome struct {
	result crawler.Result
	err    error
}

// handle runs the processor under the item timeout and converts every
// outcome into a QueuedItemResult.
func (e *Engine) handle(ctx context.Context, req crawler.Request) crawler.QueuedItemResult {
	start := e.now()
	itemCtx, cancel := e.itemContext(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("processor panic: %v", r)}
			}
		}()
		res, err := e.proc.Process(itemCtx, req)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		return e.settle(req, start, out)
	case <-itemCtx.Done():
		// The processor goroutine is left to observe cancellation on its own.
		e.abandoned.Add(1)
		go func() {
			<-done
			e.abandoned.Add(-1)
		}()
		base := crawler.Outcome{URI: crawler.RequestURI(req), StartedAt: start, Elapsed: e.now().Sub(start)}
		if ctx.Err() != nil {
			e.logger.Debug("item canceled by stop", zap.String("request_id", req.RequestID()))
			return crawler.QueuedItemResult{
				RequestID: req.RequestID(),
				Status:    crawler.ItemFailed,
				Result:    crawler.UnknownFailure(e.cfg.Kind, base),
				Err:       ctx.Err().Error(),
			}
		}
		e.logger.Debug("item timed out",
			zap.String("request_id", req.RequestID()),
			zap.Duration("timeout", e.cfg.ItemTimeout),
		)
		return crawler.QueuedItemResult{
			RequestID: req.RequestID(),
			Status:    crawler.ItemFailed,
			Result:    crawler.TimeoutFailure(e.cfg.Kind, base),
		}
	}
}

func (e *Engine) itemContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.ItemTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.ItemTimeout)
	}
	return context.WithCancel(ctx)
}

func (e *Engine) settle(req crawler.Request, start time.Time, out outcome) crawler.QueuedItemResult {
	res := crawler.QueuedItemResult{RequestID: req.RequestID(), Status: crawler.ItemCompleted, Result: out.result}
	if out.err != nil {
		res.Status = crawler.ItemFailed
		res.Err = out.err.Error()
		if out.result == nil || out.result.Reason() == crawler.FailureNone {
			base := crawler.Outcome{URI: crawler.RequestURI(req), StartedAt: start, Elapsed: e.now().Sub(start)}
			res.Result = crawler.UnknownFailure(e.cfg.Kind, base)
		}
		e.logger.Warn("processor error",
			zap.String("request_id", req.RequestID()),
			zap.Error(out.err),
		)
		return res
	}
	if out.result != nil && out.result.Reason() != crawler.FailureNone {
		res.Status = crawler.ItemFailed
		e.logger.Debug("item failed",
			zap.String("request_id", req.RequestID()),
			zap.String("reason", string(out.result.Reason())),
		)
	}
	return res
}

func (e *Engine) publishStats(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := e.Stats(ctx)
			if err != nil {
				e.logger.Debug("stats snapshot incomplete", zap.Error(err))
			}
			select {
			case e.snapshots <- stats:
			default:
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
