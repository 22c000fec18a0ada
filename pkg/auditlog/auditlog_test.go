package auditlog

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broadcast-dispatcher/pkg/broadcast"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []broadcast.LogEntry
	err     error
}

func (s *recordingSink) AppendLog(_ context.Context, e broadcast.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func TestLogAssignsTimestamp(t *testing.T) {
	sink := &recordingSink{}
	l := New(sink, zerolog.Nop())
	fixed := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	l.Job("job-1", "proj-1").Info(context.Background(), "Started batch of 3.", map[string]any{"batchSize": 3})

	require.Len(t, sink.entries, 1)
	e := sink.entries[0]
	assert.Equal(t, "job-1", e.JobID)
	assert.Equal(t, "proj-1", e.ProjectID)
	assert.Equal(t, broadcast.LevelInfo, e.Level)
	assert.Equal(t, fixed, e.Timestamp)
	assert.Equal(t, 3, e.Meta["batchSize"])
}

func TestLogLevels(t *testing.T) {
	sink := &recordingSink{}
	jl := New(sink, zerolog.Nop()).Job("j", "p")
	ctx := context.Background()

	jl.Info(ctx, "a", nil)
	jl.Warn(ctx, "b", nil)
	jl.Error(ctx, "c", nil)

	require.Len(t, sink.entries, 3)
	assert.Equal(t, broadcast.LevelInfo, sink.entries[0].Level)
	assert.Equal(t, broadcast.LevelWarn, sink.entries[1].Level)
	assert.Equal(t, broadcast.LevelError, sink.entries[2].Level)
}

func TestLogSkipsUnscopedEntries(t *testing.T) {
	sink := &recordingSink{}
	l := New(sink, zerolog.Nop())

	l.Log(context.Background(), "", "proj", broadcast.LevelError, "x", nil)
	l.Log(context.Background(), "job", "", broadcast.LevelError, "x", nil)

	assert.Empty(t, sink.entries)
}

func TestLogSwallowsSinkErrors(t *testing.T) {
	var buf bytes.Buffer
	sink := &recordingSink{err: errors.New("connection refused")}
	l := New(sink, zerolog.New(&buf))

	assert.NotPanics(t, func() {
		l.Job("job-1", "proj-1").Error(context.Background(), "boom", nil)
	})
	assert.Contains(t, buf.String(), "failed to write audit entry")
	assert.Contains(t, buf.String(), "connection refused")
}
