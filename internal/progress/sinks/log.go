package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
	"github.com/JakeFAU/stagecrawler/internal/progress"
)

// LogSink writes item results and state changes as structured logs.
// Completed items log at debug, failed items at info.
type LogSink struct {
	logger *zap.Logger
	states map[string]crawler.State
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger, states: make(map[string]crawler.State)}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageItem:
			s.logItem(evt)
		case progress.StageStatus:
			s.logStatus(evt)
		}
	}
	return nil
}

func (s *LogSink) logItem(evt progress.Event) {
	fields := []zap.Field{
		zap.String("run_id", evt.RunID),
		zap.String("component", evt.Component.Name),
		zap.String("request_id", evt.Item.RequestID),
		zap.String("status", string(evt.Item.Status)),
	}
	if evt.Item.Result != nil {
		base := evt.Item.Result.Base()
		fields = append(fields, zap.String("uri", base.URI), zap.Duration("elapsed", base.Elapsed))
	}
	if evt.Item.Status == crawler.ItemCompleted {
		s.logger.Debug("item completed", fields...)
		return
	}
	fields = append(fields, zap.String("reason", string(evt.Item.Reason())))
	if evt.Item.Err != "" {
		fields = append(fields, zap.String("error", evt.Item.Err))
	}
	s.logger.Info("item failed", fields...)
}

// logStatus only logs state transitions; periodic snapshots are silent.
func (s *LogSink) logStatus(evt progress.Event) {
	id := evt.Status.Info.ID
	if prev, ok := s.states[id]; ok && prev == evt.Status.State {
		return
	}
	s.states[id] = evt.Status.State
	fields := []zap.Field{
		zap.String("component", evt.Status.Info.Name),
		zap.String("component_id", id),
		zap.String("state", string(evt.Status.State)),
		zap.Int64("processed", evt.Status.Processed),
		zap.Int64("failed", evt.Status.Failed),
	}
	if evt.Status.Error != "" {
		fields = append(fields, zap.String("error", evt.Status.Error))
	}
	s.logger.Info("component state", fields...)
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
