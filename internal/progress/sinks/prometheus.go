package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
	"github.com/JakeFAU/stagecrawler/internal/progress"
)

var allStates = []crawler.State{
	crawler.StateNotStarted,
	crawler.StateRunning,
	crawler.StatePausing,
	crawler.StatePaused,
	crawler.StateCompleted,
	crawler.StateFailed,
	crawler.StateStopped,
}

// PrometheusSink exports item outcomes and component snapshots.
type PrometheusSink struct {
	items        *prometheus.CounterVec
	itemDuration *prometheus.HistogramVec
	responses    *prometheus.CounterVec
	ingestBytes  *prometheus.CounterVec
	linksFound   prometheus.Counter

	state      *prometheus.GaugeVec
	tasksInUse *prometheus.GaugeVec
	queued     *prometheus.GaugeVec
	abandoned  *prometheus.GaugeVec
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagecrawler_items_total",
			Help: "Terminal item results partitioned by component, status and failure reason.",
		}, []string{"component", "status", "reason"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagecrawler_item_duration_seconds",
			Help:    "Time spent processing one item.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"component"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagecrawler_ingest_responses_total",
			Help: "HTTP responses seen by the ingester partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		ingestBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagecrawler_ingest_bytes_total",
			Help: "Content bytes stored per site.",
		}, []string{"site"}),
		linksFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagecrawler_links_found_total",
			Help: "Links extracted by the parser.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stagecrawler_component_state",
			Help: "1 for the component's current lifecycle state, 0 otherwise.",
		}, []string{"component", "id", "state"}),
		tasksInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stagecrawler_component_tasks_in_use",
			Help: "Items currently being processed.",
		}, []string{"component", "id"}),
		queued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stagecrawler_component_queue_count",
			Help: "Items waiting in the component's queue.",
		}, []string{"component", "id"}),
		abandoned: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stagecrawler_component_abandoned",
			Help: "Timed-out processors that have not yet returned.",
		}, []string{"component", "id"}),
	}
	for _, collector := range []prometheus.Collector{
		s.items, s.itemDuration, s.responses, s.ingestBytes, s.linksFound,
		s.state, s.tasksInUse, s.queued, s.abandoned,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageItem:
			s.observeItem(evt)
		case progress.StageStatus:
			s.observeStatus(evt.Status)
		}
	}
	return nil
}

func (s *PrometheusSink) observeItem(evt progress.Event) {
	component := evt.Component.Name
	s.items.WithLabelValues(component, string(evt.Item.Status), string(evt.Item.Reason())).Inc()
	if evt.Item.Result == nil {
		return
	}
	if elapsed := evt.Item.Result.Base().Elapsed; elapsed > 0 {
		s.itemDuration.WithLabelValues(component).Observe(elapsed.Seconds())
	}
	if code := evt.HTTPStatus(); code > 0 {
		s.responses.WithLabelValues(evt.Site(), string(progress.ClassifyStatus(code))).Inc()
	}
	switch r := evt.Item.Result.(type) {
	case crawler.IngestSuccess:
		if r.ContentLength > 0 {
			s.ingestBytes.WithLabelValues(evt.Site()).Add(float64(r.ContentLength))
		}
	case crawler.ParseSuccess:
		s.linksFound.Add(float64(r.LinksFound))
	}
}

func (s *PrometheusSink) observeStatus(st crawler.ComponentStatus) {
	name, id := st.Info.Name, st.Info.ID
	for _, state := range allStates {
		v := 0.0
		if state == st.State {
			v = 1
		}
		s.state.WithLabelValues(name, id, string(state)).Set(v)
	}
	s.tasksInUse.WithLabelValues(name, id).Set(float64(st.TasksInUse))
	s.queued.WithLabelValues(name, id).Set(float64(st.QueueCount))
	s.abandoned.WithLabelValues(name, id).Set(float64(st.Abandoned))
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
