package progress

import "context"

// Sink consumes batches of events. Consume is called from one goroutine at a
// time and must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}
