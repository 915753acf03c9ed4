package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/component"
	"github.com/JakeFAU/stagecrawler/internal/crawler"
	"github.com/JakeFAU/stagecrawler/internal/engine"
	"github.com/JakeFAU/stagecrawler/internal/queue/memory"
)

type fakeObserver struct {
	mu       sync.Mutex
	results  []crawler.QueuedItemResult
	statuses int
}

func (o *fakeObserver) ItemResult(_ crawler.ComponentInfo, res crawler.QueuedItemResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, res)
}

func (o *fakeObserver) ComponentStatus(crawler.ComponentStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses++
}

func (o *fakeObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.results)
}

func build(kind crawler.Kind, q crawler.Queue, proc engine.ProcessorFunc) *component.Component {
	eng := engine.New(q, proc, engine.Config{
		Kind:               kind,
		MaxConcurrentItems: 2,
		StatusInterval:     10 * time.Millisecond,
	}, zap.NewNop())
	return component.New(crawler.NewComponentInfo(kind, "node-1"), eng, zap.NewNop())
}

func sched(depth int) *crawler.SchedulerRequest {
	return &crawler.SchedulerRequest{RequestMeta: crawler.NewRequestMeta(time.Now()), Authority: "http://a.test", Depth: depth}
}

func parse(depth int) *crawler.ParseRequest {
	return &crawler.ParseRequest{RequestMeta: crawler.NewRequestMeta(time.Now()), URI: "http://a.test/", Depth: depth}
}

// ping-pong pipeline: the scheduler forwards to the parser after a delay, the
// parser re-enters the scheduler one level deeper until maxDepth.
func pingPong(maxDepth int, delay time.Duration) (*Manager, *crawler.SchedulerRequest, *memory.Queue, *fakeObserver) {
	schedQ := memory.NewQueue(0)
	parseQ := memory.NewQueue(0)
	s := build(crawler.KindScheduler, schedQ, func(ctx context.Context, req crawler.Request) (crawler.Result, error) {
		time.Sleep(delay)
		return crawler.SchedulerSuccess{}, parseQ.Enqueue(ctx, parse(req.(*crawler.SchedulerRequest).Depth))
	})
	p := build(crawler.KindParser, parseQ, func(ctx context.Context, req crawler.Request) (crawler.Result, error) {
		time.Sleep(delay)
		depth := req.(*crawler.ParseRequest).Depth
		if depth < maxDepth {
			if err := schedQ.Enqueue(ctx, sched(depth+1)); err != nil {
				return nil, err
			}
		}
		return crawler.ParseSuccess{}, nil
	})
	obs := &fakeObserver{}
	m := New([]*component.Component{s, p}, Config{CompletionCheckInterval: 10 * time.Millisecond}, obs, zap.NewNop())
	return m, sched(0), schedQ, obs
}

func TestCompletionWaitsForReentrantWork(t *testing.T) {
	t.Parallel()

	m, seed, schedQ, obs := pingPong(3, 15*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, m.StartAsync(ctx, crawler.StateRunning))
	require.NoError(t, schedQ.Enqueue(ctx, seed))
	require.NoError(t, m.WaitUntilCompletedAsync(ctx, crawler.MatchAll))

	// depth 0..3 through both stages
	require.Eventually(t, func() bool { return obs.count() == 8 }, time.Second, 5*time.Millisecond)
	for _, st := range m.Statuses(ctx) {
		require.Equal(t, crawler.StateCompleted, st.State)
		require.Equal(t, int64(4), st.Processed)
	}
	m.Wait()
}

func TestHoldBlocksCompletion(t *testing.T) {
	t.Parallel()

	m, seed, schedQ, _ := pingPong(0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	release := m.Hold()
	require.NoError(t, m.StartAsync(ctx, crawler.StateRunning))

	waitErr := make(chan error, 1)
	go func() { waitErr <- m.WaitUntilCompletedAsync(ctx, crawler.MatchAll) }()
	select {
	case err := <-waitErr:
		t.Fatalf("completed while a producer was registered: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, schedQ.Enqueue(ctx, seed))
	release()
	release()
	require.NoError(t, <-waitErr)
}

func TestPauseAndResumeByFilter(t *testing.T) {
	t.Parallel()

	m, _, _, _ := pingPong(0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	release := m.Hold()
	defer release()
	require.NoError(t, m.StartAsync(ctx, crawler.StateRunning))
	require.NoError(t, m.PauseAsync(ctx, crawler.FilterByName("parser")))

	require.Eventually(t, func() bool {
		sched := m.Components()[0].Info()
		return !m.AllOtherComponentsAre(ctx, sched, InState(crawler.StateRunning)) &&
			m.AllOtherComponentsAre(ctx, sched, InState(crawler.StatePaused))
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, crawler.StateRunning, m.Components()[0].State())

	require.NoError(t, m.ResumeAsync(ctx, crawler.MatchAll))
	require.Equal(t, crawler.StateRunning, m.Components()[1].State())
}

func TestPausedComponentWithQueuedWorkDefersCompletion(t *testing.T) {
	t.Parallel()

	m, seed, schedQ, obs := pingPong(1, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, m.StartAsync(ctx, crawler.StatePaused))
	require.NoError(t, schedQ.Enqueue(ctx, seed))
	time.Sleep(80 * time.Millisecond)
	require.Zero(t, obs.count())
	for _, c := range m.Components() {
		require.Equal(t, crawler.StatePaused, c.State())
	}

	require.NoError(t, m.ResumeAsync(ctx, crawler.MatchAll))
	require.NoError(t, m.WaitUntilCompletedAsync(ctx, crawler.MatchAll))
	require.Eventually(t, func() bool { return obs.count() == 4 }, time.Second, 5*time.Millisecond)
}

func TestStopAsyncStopsMatchingComponents(t *testing.T) {
	t.Parallel()

	m, _, _, _ := pingPong(0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	release := m.Hold()
	defer release()

	require.NoError(t, m.StartAsync(ctx, crawler.StateRunning))
	require.NoError(t, m.StopAsync(ctx, crawler.MatchAll))
	err := m.WaitUntilCompletedAsync(ctx, crawler.MatchAll)
	require.ErrorIs(t, err, component.ErrStopped)
	m.Wait()
}

func TestAllOthersIgnoresRequester(t *testing.T) {
	t.Parallel()

	a := crawler.ComponentStatus{Info: crawler.ComponentInfo{ID: "a"}, State: crawler.StateRunning, QueueCount: 3}
	b := crawler.ComponentStatus{Info: crawler.ComponentInfo{ID: "b"}, State: crawler.StatePaused}
	c := crawler.ComponentStatus{Info: crawler.ComponentInfo{ID: "c"}, State: crawler.StateFailed, QueueCount: 9}
	statuses := []crawler.ComponentStatus{a, b, c}

	require.True(t, allOthers(statuses, a.Info, Idle))
	require.False(t, allOthers(statuses, b.Info, Idle))

	var calls atomic.Int32
	allOthers(statuses, a.Info, func(crawler.ComponentStatus) bool { calls.Add(1); return true })
	require.Equal(t, int32(2), calls.Load())
}
