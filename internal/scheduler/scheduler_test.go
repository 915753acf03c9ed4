package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
	"github.com/JakeFAU/stagecrawler/internal/kvstore"
	"github.com/JakeFAU/stagecrawler/internal/queue/memory"
	"github.com/JakeFAU/stagecrawler/internal/robots"
)

type stampedQueue struct {
	*memory.Queue
	mu    sync.Mutex
	times []time.Time
}

func newStampedQueue() *stampedQueue {
	return &stampedQueue{Queue: memory.NewQueue(0)}
}

func (q *stampedQueue) Enqueue(ctx context.Context, req crawler.Request) error {
	q.mu.Lock()
	q.times = append(q.times, time.Now())
	q.mu.Unlock()
	return q.Queue.Enqueue(ctx, req)
}

func (q *stampedQueue) stamps() []time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]time.Time(nil), q.times...)
}

func drain(t *testing.T, q crawler.Queue) []*crawler.IngestRequest {
	t.Helper()
	var out []*crawler.IngestRequest
	for {
		req, ok, err := q.TryDequeue(context.Background())
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, req.(*crawler.IngestRequest))
	}
}

func schedReq(authority string, depth int, paths ...string) *crawler.SchedulerRequest {
	return &crawler.SchedulerRequest{
		RequestMeta: crawler.NewRequestMeta(time.Now()),
		Authority:   authority,
		Paths:       paths,
		Depth:       depth,
	}
}

func depth(n int) *int { return &n }

func TestPolitenessDelaysSameDomainAdmission(t *testing.T) {
	t.Parallel()

	ingest := newStampedQueue()
	s, err := New(Config{SameDomainCrawlDelay: time.Second}, Queues{Ingest: ingest}, nil, nil, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	res, err := s.Process(ctx, schedReq("http://a.test", 0, "/x", "/y"))
	require.NoError(t, err)
	require.Equal(t, []string{"http://a.test/x", "http://a.test/y"}, res.(crawler.SchedulerSuccess).Admitted)

	stamps := ingest.stamps()
	require.Len(t, stamps, 2)
	require.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 950*time.Millisecond)

	start := time.Now()
	_, err = s.Process(ctx, schedReq("http://b.test", 0, "/z"))
	require.NoError(t, err)
	require.Less(t, time.Since(start), 200*time.Millisecond, "other domains are not held")
	require.Len(t, drain(t, ingest), 3)
}

func TestPolitenessDefersPathsBeyondItemDeadline(t *testing.T) {
	t.Parallel()

	self := memory.NewQueue(0)
	ingest := memory.NewQueue(0)
	s, err := New(Config{SameDomainCrawlDelay: time.Second}, Queues{Self: self, Ingest: ingest}, nil, nil, zap.NewNop())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	res, err := s.Process(ctx, schedReq("http://a.test", 1, "/x", "/y"))
	require.NoError(t, err)
	ok := res.(crawler.SchedulerSuccess)
	require.Equal(t, []string{"http://a.test/x"}, ok.Admitted)
	require.Equal(t, []string{"http://a.test/y"}, ok.Deferred)

	next, found, err := self.TryDequeue(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	again := next.(*crawler.SchedulerRequest)
	require.Equal(t, "http://a.test", again.Authority)
	require.Equal(t, []string{"/y"}, again.Paths)
	require.Equal(t, 1, again.Depth)

	// the deferred path was never marked seen
	res, err = s.Process(context.Background(), again)
	require.NoError(t, err)
	require.Equal(t, []string{"http://a.test/y"}, res.(crawler.SchedulerSuccess).Admitted)
}

func TestDepthExceededIsForwardedFlagged(t *testing.T) {
	t.Parallel()

	ingest := memory.NewQueue(0)
	s, err := New(Config{MaxCrawlDepth: depth(2)}, Queues{Ingest: ingest}, nil, nil, zap.NewNop())
	require.NoError(t, err)

	res, err := s.Process(context.Background(), schedReq("http://a.test", 3, "/deep"))
	require.NoError(t, err)
	require.Equal(t, []string{"http://a.test/deep"}, res.(crawler.SchedulerSuccess).Flagged)

	got := drain(t, ingest)
	require.Len(t, got, 1)
	require.True(t, got[0].MaxDepthReached)
	require.Equal(t, 3, got[0].Depth)

	res, err = s.Process(context.Background(), schedReq("http://a.test", 2, "/edge"))
	require.NoError(t, err)
	require.Equal(t, []string{"http://a.test/edge"}, res.(crawler.SchedulerSuccess).Admitted)
	got = drain(t, ingest)
	require.False(t, got[0].MaxDepthReached)
}

func TestDomainFilterAndDedup(t *testing.T) {
	t.Parallel()

	ingest := memory.NewQueue(0)
	s, err := New(Config{
		ExcludeDomains: []string{"*.bad.test"},
		IncludeDomains: []string{"good.test", ".bad.test"},
	}, Queues{Ingest: ingest}, nil, nil, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	res, err := s.Process(ctx, schedReq("http://x.bad.test", 0, "/"))
	require.NoError(t, err)
	require.Equal(t, crawler.FailureDomainExcluded, res.Reason())

	res, err = s.Process(ctx, schedReq("http://other.test", 0, "/"))
	require.NoError(t, err)
	require.Equal(t, crawler.FailureDomainExcluded, res.Reason())

	res, err = s.Process(ctx, schedReq("http://good.test", 0, "/a", "/a#frag", "/b"))
	require.NoError(t, err)
	ok := res.(crawler.SchedulerSuccess)
	require.Equal(t, []string{"http://good.test/a", "http://good.test/b"}, ok.Admitted)
	require.Equal(t, crawler.FailureDuplicate, ok.Rejected["http://good.test/a"])

	res, err = s.Process(ctx, schedReq("http://GOOD.test", 1, "/b"))
	require.NoError(t, err)
	require.Equal(t, crawler.FailureDuplicate, res.Reason())
	require.True(t, res.Reason().IsPolicy())
	require.Len(t, drain(t, ingest), 2)
}

func TestDomainSetMatching(t *testing.T) {
	t.Parallel()

	set := newDomainSet([]string{" Example.com ", "*.corp.test", ".internal", "", "*."})
	require.True(t, set.contains("example.com"))
	require.False(t, set.contains("www.example.com"))
	require.True(t, set.contains("corp.test"))
	require.True(t, set.contains("a.b.corp.test"))
	require.True(t, set.contains("x.internal"))
	require.False(t, set.contains("notcorp.test"))
	require.Nil(t, newDomainSet([]string{" ", "*."}))
	require.False(t, (*domainSet)(nil).contains("anything"))
}

type countingFetcher struct {
	calls atomic.Int32
	body  string
}

func (f *countingFetcher) Fetch(context.Context, string) (int, []byte, error) {
	f.calls.Add(1)
	return 200, []byte(f.body), nil
}

func TestRobotsGatingDefersUntilRulesArrive(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fetcher := &countingFetcher{body: "User-agent: *\nDisallow: /private\n"}
	cache := robots.NewCache(fetcher, nil, robots.CacheConfig{TTL: time.Hour}, zap.NewNop())
	robotsQ := memory.NewQueue(0)
	ingest := memory.NewQueue(0)
	s, err := New(Config{RespectsRobotsTxt: true}, Queues{Ingest: ingest, Robots: robotsQ}, cache, nil, zap.NewNop())
	require.NoError(t, err)

	var robotsRequests atomic.Int32
	go func() {
		d := robots.NewDownloader(cache, time.Hour, zap.NewNop())
		for {
			req, err := robotsQ.Dequeue(ctx)
			if err != nil {
				return
			}
			robotsRequests.Add(1)
			time.Sleep(30 * time.Millisecond)
			_, _ = d.Process(ctx, req)
		}
	}()

	var wg sync.WaitGroup
	results := make([]crawler.Result, 2)
	for i, path := range []string{"/private/a", "/public"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Process(ctx, schedReq("http://a.test", 0, path))
			if err == nil {
				results[i] = res
			}
		}()
	}
	wg.Wait()

	require.Equal(t, crawler.FailureRobotsDisallowed, results[0].Reason())
	require.Equal(t, []string{"http://a.test/public"}, results[1].(crawler.SchedulerSuccess).Admitted)
	require.Equal(t, int32(1), robotsRequests.Load())
	require.Equal(t, int32(1), fetcher.calls.Load())
	require.Len(t, drain(t, ingest), 1)
}

func TestRobotsWaitHonoursItemTimeout(t *testing.T) {
	t.Parallel()

	cache := robots.NewCache(&countingFetcher{}, nil, robots.CacheConfig{}, zap.NewNop())
	s, err := New(Config{RespectsRobotsTxt: true}, Queues{Ingest: memory.NewQueue(0), Robots: memory.NewQueue(0)}, cache, nil, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = s.Process(ctx, schedReq("http://a.test", 0, "/"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewValidatesConfiguration(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Queues{}, nil, nil, nil)
	require.Error(t, err)
	_, err = New(Config{RespectsRobotsTxt: true}, Queues{Ingest: memory.NewQueue(0)}, nil, nil, nil)
	require.Error(t, err)
	_, err = New(Config{MaxCrawlDepth: depth(-1)}, Queues{Ingest: memory.NewQueue(0)}, nil, nil, nil)
	require.Error(t, err)
}

func TestStoreSeenIsScopedToRun(t *testing.T) {
	t.Parallel()

	store := kvstore.NewMemory()
	ctx := context.Background()
	first := NewStoreSeen(store, "run-1")
	other := NewStoreSeen(store, "run-2")

	added, err := first.MarkIfNew(ctx, "http://a.test/")
	require.NoError(t, err)
	require.True(t, added)
	added, err = NewStoreSeen(store, "run-1").MarkIfNew(ctx, "http://a.test/")
	require.NoError(t, err)
	require.False(t, added, "a second node in the same run sees the mark")
	added, err = other.MarkIfNew(ctx, "http://a.test/")
	require.NoError(t, err)
	require.True(t, added)
}

func TestSubmitOrdersPriorityQueueByDepth(t *testing.T) {
	t.Parallel()

	q := memory.NewPriorityQueue(0)
	ctx := context.Background()
	require.NoError(t, Submit(ctx, q, schedReq("http://a.test", 2, "/")))
	require.NoError(t, Submit(ctx, q, schedReq("http://b.test", 0, "/")))
	require.NoError(t, Submit(ctx, q, schedReq("http://c.test", 1, "/")))

	var order []string
	for range 3 {
		req, err := q.Dequeue(ctx)
		require.NoError(t, err)
		order = append(order, req.(*crawler.SchedulerRequest).Authority)
	}
	require.Equal(t, []string{"http://b.test", "http://c.test", "http://a.test"}, order)
}
