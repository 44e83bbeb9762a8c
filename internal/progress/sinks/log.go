package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/pmc-harvester/internal/progress"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("query", evt.Query),
		}
		if evt.Stage == progress.StagePageDone {
			fields = append(fields,
				zap.String("mode", evt.Mode),
				zap.Int("offset", evt.Offset),
				zap.Int("window", evt.Window),
				zap.String("outcome", string(evt.Outcome)),
			)
		}
		fields = append(fields, zap.Int64("records", evt.Records), zap.Duration("dur", evt.Dur))
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageRunError {
			s.logger.Warn("Harvest progress", fields...)
			continue
		}
		s.logger.Info("Harvest progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
