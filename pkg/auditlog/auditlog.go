// Package auditlog records job-scoped, append-only log entries that users
// see next to their broadcast. Writing an entry never fails the caller.
package auditlog

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"broadcast-dispatcher/pkg/broadcast"
)

// Sink persists log entries.
type Sink interface {
	AppendLog(ctx context.Context, e broadcast.LogEntry) error
}

type Logger struct {
	sink Sink
	log  zerolog.Logger
	now  func() time.Time
}

func New(sink Sink, log zerolog.Logger) *Logger {
	return &Logger{sink: sink, log: log, now: time.Now}
}

// Log appends one entry. Entries without a job or project id are skipped.
// Sink errors are written to the process log and dropped.
func (l *Logger) Log(ctx context.Context, jobID, projectID string, level broadcast.Level, msg string, meta map[string]any) {
	if jobID == "" || projectID == "" {
		l.log.Debug().Str("audit_level", string(level)).Str("audit_message", msg).Msg("audit entry without job scope skipped")
		return
	}
	e := broadcast.LogEntry{
		JobID:     jobID,
		ProjectID: projectID,
		Level:     level,
		Message:   msg,
		Meta:      meta,
		Timestamp: l.now().UTC(),
	}
	if err := l.sink.AppendLog(ctx, e); err != nil {
		l.log.Error().Err(err).
			Str("job_id", jobID).
			Str("audit_level", string(level)).
			Str("audit_message", msg).
			Msg("failed to write audit entry")
	}
}

// Job returns a logger bound to one job.
func (l *Logger) Job(jobID, projectID string) JobLogger {
	return JobLogger{l: l, jobID: jobID, projectID: projectID}
}

type JobLogger struct {
	l         *Logger
	jobID     string
	projectID string
}

func (j JobLogger) Info(ctx context.Context, msg string, meta map[string]any) {
	j.l.Log(ctx, j.jobID, j.projectID, broadcast.LevelInfo, msg, meta)
}

func (j JobLogger) Warn(ctx context.Context, msg string, meta map[string]any) {
	j.l.Log(ctx, j.jobID, j.projectID, broadcast.LevelWarn, msg, meta)
}

func (j JobLogger) Error(ctx context.Context, msg string, meta map[string]any) {
	j.l.Log(ctx, j.jobID, j.projectID, broadcast.LevelError, msg, meta)
}
