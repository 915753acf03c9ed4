// Package manager orchestrates the set of pipeline components of a crawl run
// and decides when the run as a whole is complete.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/stagecrawler/internal/component"
	"github.com/JakeFAU/stagecrawler/internal/crawler"
)

const defaultCheckInterval = 200 * time.Millisecond

// Observer receives item results and status snapshots from every component.
type Observer interface {
	ItemResult(info crawler.ComponentInfo, res crawler.QueuedItemResult)
	ComponentStatus(status crawler.ComponentStatus)
}

// Config controls the Manager.
type Config struct {
	CompletionCheckInterval time.Duration
}

// Condition is a predicate over a component snapshot.
type Condition func(crawler.ComponentStatus) bool

// Idle holds for a component that has no queued or running work. Paused and
// terminal components with nothing pending count as idle.
func Idle(s crawler.ComponentStatus) bool {
	if s.State.Terminal() {
		return true
	}
	return s.Idle()
}

// InState holds for a component in any of the listed states.
func InState(states ...crawler.State) Condition {
	return func(s crawler.ComponentStatus) bool {
		for _, st := range states {
			if s.State == st {
				return true
			}
		}
		return false
	}
}

// Manager owns the components of one crawl run.
type Manager struct {
	components []*component.Component
	cfg        Config
	observer   Observer
	logger     *zap.Logger

	producers atomic.Int64
	startOnce sync.Once
	wg        sync.WaitGroup
}

// New constructs a Manager. observer may be nil.
func New(components []*component.Component, cfg Config, observer Observer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CompletionCheckInterval <= 0 {
		cfg.CompletionCheckInterval = defaultCheckInterval
	}
	return &Manager{
		components: components,
		cfg:        cfg,
		observer:   observer,
		logger:     logger,
	}
}

// Components returns the managed components.
func (m *Manager) Components() []*component.Component { return m.components }

// Hold registers an active producer, such as a seeder, that may still feed
// the pipeline. Completion is not declared while any hold is outstanding.
// The returned release function is safe to call more than once.
func (m *Manager) Hold() (release func()) {
	m.producers.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { m.producers.Add(-1) })
	}
}

// StartAsync starts every component in the initial state and begins
// forwarding notifications and checking for completion.
func (m *Manager) StartAsync(ctx context.Context, initial crawler.State) error {
	// ctx, not an errgroup context, bounds the component lifetimes.
	var g errgroup.Group
	for _, c := range m.components {
		g.Go(func() error {
			if err := c.Start(ctx, initial); err != nil {
				return fmt.Errorf("start %s: %w", c.Info().Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.startOnce.Do(func() {
		for _, c := range m.components {
			m.wg.Add(2)
			go m.forwardResults(c)
			go m.forwardSnapshots(ctx, c)
		}
		m.wg.Add(1)
		go m.watchCompletion(ctx)
	})
	m.logger.Info("components started",
		zap.Int("count", len(m.components)),
		zap.String("state", string(initial)),
	)
	return nil
}

// PauseAsync pauses every component matching filter.
func (m *Manager) PauseAsync(ctx context.Context, filter crawler.ComponentFilter) error {
	return m.each(ctx, filter, func(_ context.Context, c *component.Component) error { return c.Pause() })
}

// ResumeAsync resumes every component matching filter.
func (m *Manager) ResumeAsync(ctx context.Context, filter crawler.ComponentFilter) error {
	return m.each(ctx, filter, func(_ context.Context, c *component.Component) error { return c.Resume() })
}

// StopAsync hard-stops every component matching filter, canceling in-flight work.
func (m *Manager) StopAsync(ctx context.Context, filter crawler.ComponentFilter) error {
	return m.each(ctx, filter, func(ctx context.Context, c *component.Component) error { return c.Stop(ctx) })
}

// WaitUntilCompletedAsync waits until every matched component is terminal.
// It returns the first Failed or Stopped outcome as an error.
func (m *Manager) WaitUntilCompletedAsync(ctx context.Context, filter crawler.ComponentFilter) error {
	err := m.each(ctx, filter, func(ctx context.Context, c *component.Component) error {
		return c.WaitUntilCompleted(ctx)
	})
	return err
}

// Wait blocks until the forwarding goroutines exit, which happens once every
// component is terminal.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) each(ctx context.Context, filter crawler.ComponentFilter, fn func(context.Context, *component.Component) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range m.components {
		if !filter.Matches(c.Info()) {
			continue
		}
		g.Go(func() error {
			if err := fn(gctx, c); err != nil {
				return fmt.Errorf("%s %s: %w", c.Info().Name, c.Info().ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Statuses snapshots every component.
func (m *Manager) Statuses(ctx context.Context) []crawler.ComponentStatus {
	out := make([]crawler.ComponentStatus, len(m.components))
	for i, c := range m.components {
		out[i] = c.Status(ctx)
	}
	return out
}

// AllOtherComponentsAre reports whether every component other than requester
// currently satisfies cond.
func (m *Manager) AllOtherComponentsAre(ctx context.Context, requester crawler.ComponentInfo, cond Condition) bool {
	return allOthers(m.Statuses(ctx), requester, cond)
}

func allOthers(statuses []crawler.ComponentStatus, requester crawler.ComponentInfo, cond Condition) bool {
	for _, s := range statuses {
		if s.Info.ID == requester.ID {
			continue
		}
		if !cond(s) {
			return false
		}
	}
	return true
}

func (m *Manager) forwardResults(c *component.Component) {
	defer m.wg.Done()
	for res := range c.Notifications() {
		if m.observer != nil {
			m.observer.ItemResult(c.Info(), res)
		}
	}
}

func (m *Manager) forwardSnapshots(ctx context.Context, c *component.Component) {
	defer m.wg.Done()
	done := make(chan struct{})
	go func() {
		_ = c.WaitUntilCompleted(ctx)
		close(done)
	}()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case st := <-c.Snapshots():
			if m.observer != nil {
				m.observer.ComponentStatus(st)
			}
		}
	}
}

// watchCompletion re-evaluates completion on every tick. A running component
// is completed once it and every other component were idle on two
// consecutive checks with unchanged processed counts, and no producer holds
// the run open.
func (m *Manager) watchCompletion(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CompletionCheckInterval)
	defer ticker.Stop()

	var (
		prev     map[string]int64
		prevIdle bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		statuses := m.Statuses(ctx)
		if allTerminal(statuses) {
			m.logger.Info("all components terminal")
			return
		}
		if m.producers.Load() > 0 {
			prev, prevIdle = nil, false
			continue
		}
		processed := make(map[string]int64, len(statuses))
		idle := true
		for _, s := range statuses {
			processed[s.Info.ID] = s.Processed
			idle = idle && Idle(s)
		}
		stable := prevIdle && idle && prev != nil && sameCounts(prev, processed)
		prev, prevIdle = processed, idle
		if !stable {
			continue
		}
		m.completeIdle(ctx, statuses)
	}
}

func (m *Manager) completeIdle(ctx context.Context, statuses []crawler.ComponentStatus) {
	for i, s := range statuses {
		if s.State != crawler.StateRunning || !s.Idle() {
			continue
		}
		if !allOthers(statuses, s.Info, Idle) {
			continue
		}
		c := m.components[i]
		if err := c.Complete(ctx); err != nil && !errors.Is(err, component.ErrInvalidTransition) {
			m.logger.Warn("complete component", zap.String("component", s.Info.Name), zap.Error(err))
			continue
		}
		m.logger.Info("component completed",
			zap.String("component", s.Info.Name),
			zap.Int64("processed", s.Processed),
			zap.Int64("failed", s.Failed),
		)
	}
}

func allTerminal(statuses []crawler.ComponentStatus) bool {
	for _, s := range statuses {
		if !s.State.Terminal() {
			return false
		}
	}
	return true
}

func sameCounts(a, b map[string]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
