package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.ItemResult(sampleInfo(), sampleItem("r-1"))
	hub.ItemResult(sampleInfo(), sampleItem("r-2"))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.ComponentStatus(crawler.ComponentStatus{Info: sampleInfo(), State: crawler.StateRunning})
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, StageStatus, sink.Batches()[0][0].Stage)
}

func TestHubStampsRunAndTime(t *testing.T) {
	t.Parallel()

	at := time.Unix(1_700_000_000, 0)
	sink := newStubSink()
	hub := NewHub(Config{RunID: "run-7", Now: func() time.Time { return at }}, sink)

	hub.ItemResult(sampleInfo(), sampleItem("r-1"))
	hub.ItemResult(sampleInfo(), crawler.QueuedItemResult{})
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1, "events without a request id are discarded")
	require.Equal(t, "run-7", batches[0][0].RunID)
	require.Equal(t, at, batches[0][0].TS)
	require.Equal(t, "a.test", batches[0][0].Site())
}

func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	hub := &Hub{
		cfg:    Config{Now: time.Now},
		events: make(chan Event),
		logger: zap.New(core),
	}
	start := time.Now()
	hub.ItemResult(sampleInfo(), sampleItem("r-1"))
	hub.ItemResult(sampleInfo(), sampleItem("r-2"))
	hub.ItemResult(sampleInfo(), sampleItem("r-3"))
	require.Less(t, time.Since(start), 50*time.Millisecond)

	warnings := logs.FilterMessage("progress events dropped due to backpressure").All()
	require.Len(t, warnings, 1, "drop warnings are rate limited")
	require.Equal(t, int64(1), warnings[0].ContextMap()["dropped"])
	require.Equal(t, int64(3), hub.Dropped(), "the lifetime total survives the warning")
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.ItemResult(sampleInfo(), sampleItem("r-1"))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.closed)

	hub.ItemResult(sampleInfo(), sampleItem("r-2"))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, Status2xx, ClassifyStatus(204))
	require.Equal(t, Status3xx, ClassifyStatus(301))
	require.Equal(t, Status4xx, ClassifyStatus(404))
	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleInfo() crawler.ComponentInfo {
	return crawler.ComponentInfo{Name: "ingester", ID: "c-1", NodeID: "node-a", Kind: crawler.KindIngester}
}

func sampleItem(id string) crawler.QueuedItemResult {
	return crawler.QueuedItemResult{
		RequestID: id,
		Status:    crawler.ItemCompleted,
		Result: crawler.IngestSuccess{
			Outcome:       crawler.Outcome{URI: "http://A.test/page"},
			StatusCode:    200,
			ContentLength: 512,
		},
	}
}
