package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/renderfetch/internal/progress"
)

// LogSink emits structured logs for progress streams. Fetch events log at
// Debug; batch milestones and failed fetches log at Info.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.DebugLevel
		fields := []zap.Field{
			zap.Stringer("batch_id", evt.BatchUUID()),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageBatchStart:
			level = zapcore.InfoLevel
			fields = append(fields, zap.Int("urls", evt.Total))
		case progress.StageBatchDone:
			level = zapcore.InfoLevel
			fields = append(fields, zap.String("status", evt.Note), zap.Duration("dur", evt.Dur))
		case progress.StageFetchStart:
			fields = append(fields, zap.Int("index", evt.Index), zap.String("url", evt.URL))
		case progress.StageFetchDone:
			fields = append(fields,
				zap.Int("index", evt.Index),
				zap.String("url", evt.URL),
				zap.Bool("success", evt.Success),
				zap.String("status_class", string(evt.StatusClass)),
				zap.String("strategy", evt.Strategy),
				zap.Int64("chars", evt.Chars),
				zap.Duration("dur", evt.Dur),
			)
			if !evt.Success {
				level = zapcore.InfoLevel
				fields = append(fields, zap.String("error", evt.Note))
			}
		}
		if ce := s.logger.Check(level, "progress event"); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
