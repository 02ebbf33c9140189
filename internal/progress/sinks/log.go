package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/dealscan/internal/progress"
)

// LogSink writes one structured log line per run event.
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
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("run_id", evt.RunUUID()),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageRunStart:
			fields = append(fields, zap.String("query", evt.Query))
		case progress.StageItemDone:
			fields = append(fields,
				zap.Int("index", evt.Index),
				zap.String("outcome", string(evt.Outcome)),
				zap.Duration("dur", evt.Dur),
			)
			if evt.Result != nil && evt.Result.DealScore != nil {
				fields = append(fields, zap.Float64("deal_score", *evt.Result.DealScore))
			}
		default:
			fields = append(fields,
				zap.Int("scanned", evt.Scanned),
				zap.Int("filtered", evt.Filtered),
				zap.Int("evaluated", evt.Evaluated),
				zap.Duration("dur", evt.Dur),
			)
			if evt.Note != "" {
				fields = append(fields, zap.String("note", evt.Note))
			}
		}
		if evt.Stage == progress.StageRunError {
			s.logger.Warn("run event", fields...)
			continue
		}
		s.logger.Info("run event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
