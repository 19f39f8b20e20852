// Package joblog appends entries to a job's progress log.
package joblog

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-ingest/internal/clock/system"
	"github.com/JakeFAU/policy-ingest/internal/crawler"
)

// Logger implements crawler.ProgressLogger on top of a JobStore.
type Logger struct {
	store  crawler.JobStore
	clock  crawler.Clock
	logger *zap.Logger
}

// New builds a Logger. A nil clock uses the wall clock; a nil logger discards.
func New(store crawler.JobStore, clock crawler.Clock, logger *zap.Logger) *Logger {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{store: store, clock: clock, logger: logger.Named("joblog")}
}

// LogProgress appends one entry stamped with the current time.
func (l *Logger) LogProgress(ctx context.Context, jobID, message string, typ crawler.LogType, data map[string]any) error {
	if jobID == "" {
		return errors.New("job id is required")
	}
	if !typ.Valid() {
		return fmt.Errorf("invalid log type %q", typ)
	}
	entry := crawler.NewProgressLogEntry(l.clock.Now(), message, typ, data)
	if err := l.store.AppendProgress(ctx, jobID, entry); err != nil {
		return fmt.Errorf("append progress for job %s: %w", jobID, err)
	}
	l.logger.Debug("progress",
		zap.String("job_id", jobID),
		zap.String("type", string(typ)),
		zap.String("message", message),
	)
	return nil
}

// Info appends an info entry.
func (l *Logger) Info(ctx context.Context, jobID, message string, data map[string]any) error {
	return l.LogProgress(ctx, jobID, message, crawler.LogInfo, data)
}

// Success appends a success entry.
func (l *Logger) Success(ctx context.Context, jobID, message string, data map[string]any) error {
	return l.LogProgress(ctx, jobID, message, crawler.LogSuccess, data)
}

// Warning appends a warning entry.
func (l *Logger) Warning(ctx context.Context, jobID, message string, data map[string]any) error {
	return l.LogProgress(ctx, jobID, message, crawler.LogWarning, data)
}

// Error appends an error entry.
func (l *Logger) Error(ctx context.Context, jobID, message string, data map[string]any) error {
	return l.LogProgress(ctx, jobID, message, crawler.LogError, data)
}
