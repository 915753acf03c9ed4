package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/stagecrawler/internal/progress"
	"github.com/JakeFAU/stagecrawler/internal/storage/postgres"
)

// Recorder persists ledger entries; *postgres.Ledger satisfies it.
type Recorder interface {
	RecordBatch(ctx context.Context, entries []postgres.Entry) error
}

// LedgerSink writes every item result to the result ledger. Status events
// are ignored.
type LedgerSink struct {
	rec Recorder
}

// NewLedgerSink constructs a LedgerSink for rec.
func NewLedgerSink(rec Recorder) *LedgerSink {
	return &LedgerSink{rec: rec}
}

// Consume forwards the batch's item events in one call.
func (s *LedgerSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.rec == nil {
		return nil
	}
	entries := make([]postgres.Entry, 0, len(batch))
	for _, evt := range batch {
		if evt.Stage != progress.StageItem {
			continue
		}
		entries = append(entries, postgres.Entry{
			RunID:     evt.RunID,
			Component: evt.Component,
			Result:    evt.Item,
			At:        evt.TS,
		})
	}
	if len(entries) == 0 {
		return nil
	}
	if err := s.rec.RecordBatch(ctx, entries); err != nil {
		return fmt.Errorf("record results: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LedgerSink) Close(context.Context) error {
	return nil
}
