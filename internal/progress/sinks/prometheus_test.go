package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
	"github.com/JakeFAU/stagecrawler/internal/progress"
)

var ingester = crawler.ComponentInfo{Name: "ingester", ID: "c-1", NodeID: "node-a"}

func itemEvent(res crawler.QueuedItemResult) progress.Event {
	return progress.Event{RunID: "run-1", TS: time.Now(), Stage: progress.StageItem, Component: ingester, Item: res}
}

func TestPrometheusSinkRecordsItems(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	batch := []progress.Event{
		itemEvent(crawler.QueuedItemResult{
			RequestID: "r-1",
			Status:    crawler.ItemCompleted,
			Result: crawler.IngestSuccess{
				Outcome:       crawler.Outcome{URI: "http://example.com/a", Elapsed: 200 * time.Millisecond},
				StatusCode:    200,
				ContentLength: 1024,
			},
		}),
		itemEvent(crawler.QueuedItemResult{
			RequestID: "r-2",
			Status:    crawler.ItemFailed,
			Result: crawler.IngestFailure{
				Outcome:       crawler.Outcome{URI: "http://example.com/missing"},
				FailureReason: crawler.FailureHTTP4xx,
				StatusCode:    404,
			},
		}),
		{
			RunID:     "run-1",
			TS:        time.Now(),
			Stage:     progress.StageItem,
			Component: crawler.ComponentInfo{Name: "parser", ID: "p-1"},
			Item: crawler.QueuedItemResult{
				RequestID: "r-3",
				Status:    crawler.ItemCompleted,
				Result:    crawler.ParseSuccess{LinksFound: 7},
			},
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("ingester", "completed", "")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("ingester", "failed", "http-4xx")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.responses.WithLabelValues("example.com", "2xx")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.responses.WithLabelValues("example.com", "4xx")), 1e-9)
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.ingestBytes.WithLabelValues("example.com")), 1e-9)
	require.InDelta(t, 7.0, testutil.ToFloat64(sink.linksFound), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.itemDuration, "stagecrawler_item_duration_seconds"))
}

func TestPrometheusSinkTracksComponentState(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	status := func(state crawler.State, tasks, queued int) progress.Event {
		return progress.Event{
			TS:    time.Now(),
			Stage: progress.StageStatus,
			Status: crawler.ComponentStatus{
				Info:       ingester,
				State:      state,
				TasksInUse: tasks,
				QueueCount: queued,
			},
		}
	}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		status(crawler.StateRunning, 3, 10),
		status(crawler.StatePaused, 0, 4),
	}))

	require.InDelta(t, 0.0, testutil.ToFloat64(sink.state.WithLabelValues("ingester", "c-1", "running")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.state.WithLabelValues("ingester", "c-1", "paused")), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.tasksInUse.WithLabelValues("ingester", "c-1")), 1e-9)
	require.InDelta(t, 4.0, testutil.ToFloat64(sink.queued.WithLabelValues("ingester", "c-1")), 1e-9)
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
