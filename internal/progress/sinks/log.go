package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-ingest/internal/progress"
)

// LogSink emits structured logs for progress events. It is useful during
// development or audits where no metrics backend is scraped.
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

// Consume logs each event in the batch using structured fields. Forced
// timeouts and job errors are logged at Warn.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		if evt.JobID != "" {
			fields = append(fields, zap.String("job_id", evt.JobID))
		}
		switch evt.Stage {
		case progress.StageScrapeDone:
			fields = append(fields,
				zap.String("site", evt.Site),
				zap.String("url", evt.URL),
				zap.String("tier", evt.Tier),
				zap.Bool("success", evt.Success),
				zap.Int64("bytes", evt.Bytes),
				zap.String("status_class", string(evt.StatusClass)),
			)
		case progress.StageDiscoveryDone:
			fields = append(fields,
				zap.String("site", evt.Site),
				zap.Bool("success", evt.Success),
				zap.Int64("candidates", evt.Count),
				zap.Int64("pages", evt.Pages),
			)
		}
		fields = append(fields, zap.Duration("dur", evt.Dur))
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}

		switch evt.Stage {
		case progress.StageJobTimeout, progress.StageJobError:
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
