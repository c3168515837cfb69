package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/events"
)

// LogSink writes every lifecycle event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("kind", string(evt.Kind)),
			zap.String("status", string(evt.Status)),
			zap.String("priority", evt.Priority.String()),
			zap.Int("attempt", evt.Attempt),
		}
		if evt.WorkerID != "" {
			fields = append(fields, zap.String("worker_id", evt.WorkerID))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("job event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
