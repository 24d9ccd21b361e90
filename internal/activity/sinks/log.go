package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-scraper/internal/activity"
)

// LogSink writes each event through zap.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs one line per event.
func (s *LogSink) Consume(_ context.Context, batch []activity.Event) error {
	for _, evt := range batch {
		s.logger.Info(evt.Message,
			zap.String("kind", string(evt.Kind)),
			zap.String("batch_id", evt.BatchID),
			zap.String("job_id", evt.JobID),
			zap.String("url", evt.URL),
			zap.Int("attempt", evt.Attempt),
			zap.Time("event_ts", evt.TS),
		)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
