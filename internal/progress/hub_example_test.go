package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_ItemResult shows a hub forwarding an item result on Close.
func ExampleHub_ItemResult() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{RunID: "example", MaxBatchWait: time.Second}, sink)

	hub.ItemResult(
		crawler.ComponentInfo{Name: "parser", ID: "p-1"},
		crawler.QueuedItemResult{RequestID: "r-1", Status: crawler.ItemCompleted},
	)
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", sink.total)
	// Output:
	// events forwarded: 1
}
