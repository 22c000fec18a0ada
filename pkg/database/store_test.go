package database

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broadcast-dispatcher/pkg/broadcast"
)

type store interface {
	SeedJob(ctx context.Context, job broadcast.JobConfig, contacts []broadcast.Recipient) error
	StartProcessing(ctx context.Context, jobID, workerID string) (bool, error)
	PendingRecipients(ctx context.Context, jobID string, ids []string) (map[string]bool, error)
	ApplyOutcomes(ctx context.Context, jobID string, updates []broadcast.RecipientUpdate) (int, int, error)
	IncrementCounters(ctx context.Context, jobID string, sent, failed int) (broadcast.Counters, error)
	FinalizeJob(ctx context.Context, jobID string, status broadcast.Status) (bool, error)
	AppendLog(ctx context.Context, e broadcast.LogEntry) error
	GetJob(ctx context.Context, jobID string) (*broadcast.Job, error)
	ListLogs(ctx context.Context, jobID string) ([]broadcast.LogEntry, error)
	Recipient(ctx context.Context, id string) (*broadcast.RecipientRecord, error)
	RecordOutcomes(ctx context.Context, jobID string, updates []broadcast.RecipientUpdate) (int, int, broadcast.Counters, error)
}

// stores returns the implementations under test. Postgres joins only when
// DATABASE_URL points at a reachable server.
func stores(t *testing.T) map[string]store {
	t.Helper()
	out := map[string]store{"memory": NewMemoryStore()}

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return out
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := New(ctx, url, 4)
	require.NoError(t, err)
	require.NoError(t, c.InitSchema(ctx))
	t.Cleanup(c.Close)
	out["postgres"] = c
	return out
}

func seed(t *testing.T, s store, contacts int) (broadcast.JobConfig, []broadcast.Recipient) {
	t.Helper()
	job := broadcast.JobConfig{ID: "job-" + uuid.NewString(), ProjectID: "proj-1", ContactCount: contacts}
	rs := make([]broadcast.Recipient, contacts)
	for i := range rs {
		rs[i] = broadcast.Recipient{ID: uuid.NewString(), Phone: "1555000", Variables: map[string]string{"name": "x"}}
	}
	require.NoError(t, s.SeedJob(context.Background(), job, rs))
	return job, rs
}

func TestStartProcessingIsConditional(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job, _ := seed(t, s, 1)

			ok, err := s.StartProcessing(ctx, job.ID, "w1")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.StartProcessing(ctx, job.ID, "w2")
			require.NoError(t, err)
			assert.False(t, ok)

			got, err := s.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, broadcast.StatusProcessing, got.Status)
			assert.Equal(t, "w1", got.WorkerID)
			assert.NotNil(t, got.StartedAt)
		})
	}
}

func TestApplyOutcomesOnlyTouchesPending(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job, rs := seed(t, s, 3)
			at := time.Now().UTC().Truncate(time.Millisecond)

			updates := []broadcast.RecipientUpdate{
				{RecipientID: rs[0].ID, Status: broadcast.RecipientSent, SentAt: at, MessageID: "wamid.1"},
				{RecipientID: rs[1].ID, Status: broadcast.RecipientFailed, Error: "provider error 400"},
			}
			sent, failed, err := s.ApplyOutcomes(ctx, job.ID, updates)
			require.NoError(t, err)
			assert.Equal(t, 1, sent)
			assert.Equal(t, 1, failed)

			sent, failed, err = s.ApplyOutcomes(ctx, job.ID, updates)
			require.NoError(t, err)
			assert.Zero(t, sent)
			assert.Zero(t, failed)

			r0, err := s.Recipient(ctx, rs[0].ID)
			require.NoError(t, err)
			assert.Equal(t, broadcast.RecipientSent, r0.Status)
			assert.Equal(t, "wamid.1", r0.MessageID)
			require.NotNil(t, r0.SentAt)
			assert.WithinDuration(t, at, *r0.SentAt, time.Millisecond)

			r1, err := s.Recipient(ctx, rs[1].ID)
			require.NoError(t, err)
			assert.Equal(t, broadcast.RecipientFailed, r1.Status)
			assert.Equal(t, "provider error 400", r1.Error)
			assert.Empty(t, r1.MessageID)

			pending, err := s.PendingRecipients(ctx, job.ID, []string{rs[0].ID, rs[1].ID, rs[2].ID})
			require.NoError(t, err)
			assert.Equal(t, map[string]bool{rs[2].ID: true}, pending)
		})
	}
}

func TestApplyOutcomesIgnoresOtherJobs(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, rs := seed(t, s, 1)
			other, _ := seed(t, s, 1)

			sent, failed, err := s.ApplyOutcomes(ctx, other.ID, []broadcast.RecipientUpdate{
				{RecipientID: rs[0].ID, Status: broadcast.RecipientSent, SentAt: time.Now(), MessageID: "m"},
			})
			require.NoError(t, err)
			assert.Zero(t, sent+failed)
		})
	}
}

func TestIncrementCountersReturnsPostIncrementValues(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job, _ := seed(t, s, 5)

			c, err := s.IncrementCounters(ctx, job.ID, 2, 1)
			require.NoError(t, err)
			assert.Equal(t, broadcast.Counters{SuccessCount: 2, ErrorCount: 1, ContactCount: 5, Status: broadcast.StatusQueued}, c)

			c, err = s.IncrementCounters(ctx, job.ID, 0, 0)
			require.NoError(t, err)
			assert.Equal(t, 3, c.Accounted())

			_, err = s.IncrementCounters(ctx, "missing-"+uuid.NewString(), 1, 0)
			assert.ErrorIs(t, err, ErrJobNotFound)
		})
	}
}

func TestIncrementCountersConcurrent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job, _ := seed(t, s, 40)

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.IncrementCounters(ctx, job.ID, 1, 1)
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			got, err := s.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, 20, got.SuccessCount)
			assert.Equal(t, 20, got.ErrorCount)
		})
	}
}

func TestFinalizeJobTransitionsOnce(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job, _ := seed(t, s, 1)

			ok, err := s.FinalizeJob(ctx, job.ID, broadcast.StatusCompleted)
			require.NoError(t, err)
			assert.False(t, ok, "QUEUED job must not finalize")

			_, err = s.StartProcessing(ctx, job.ID, "w1")
			require.NoError(t, err)

			var (
				wg          sync.WaitGroup
				mu          sync.Mutex
				transitions int
			)
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := s.FinalizeJob(ctx, job.ID, broadcast.StatusPartialFailure)
					assert.NoError(t, err)
					if ok {
						mu.Lock()
						transitions++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, transitions)

			ok, err = s.FinalizeJob(ctx, job.ID, broadcast.StatusCompleted)
			require.NoError(t, err)
			assert.False(t, ok)

			got, err := s.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, broadcast.StatusPartialFailure, got.Status)
			assert.NotNil(t, got.CompletedAt)
		})
	}
}

func TestLogsRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job, _ := seed(t, s, 1)
			stale := time.Now().UTC().Add(-24 * time.Hour)

			require.NoError(t, s.AppendLog(ctx, broadcast.LogEntry{
				JobID: job.ID, ProjectID: job.ProjectID, Level: broadcast.LevelInfo,
				Message: "Started batch of 1. Throttle: 80 MPS.", Meta: map[string]any{"batchSize": 1},
			}))
			require.NoError(t, s.AppendLog(ctx, broadcast.LogEntry{
				JobID: job.ID, ProjectID: job.ProjectID, Level: broadcast.LevelWarn,
				Message: "second", Timestamp: stale,
			}))

			logs, err := s.ListLogs(ctx, job.ID)
			require.NoError(t, err)
			require.Len(t, logs, 2)
			assert.Equal(t, broadcast.LevelInfo, logs[0].Level)
			assert.NotEmpty(t, logs[0].ID)
			assert.EqualValues(t, 1, logs[0].Meta["batchSize"])
			assert.Equal(t, "second", logs[1].Message)
			// The store stamps entries itself; a skewed caller clock is ignored.
			for _, e := range logs {
				assert.WithinDuration(t, time.Now(), e.Timestamp, time.Minute)
			}
		})
	}
}

func TestRecordOutcomesAppliesAndCounts(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job, rs := seed(t, s, 2)
			updates := []broadcast.RecipientUpdate{
				{RecipientID: rs[0].ID, Status: broadcast.RecipientSent, SentAt: time.Now(), MessageID: "m"},
				{RecipientID: rs[1].ID, Status: broadcast.RecipientFailed, Error: "bad"},
			}

			sent, failed, c, err := s.RecordOutcomes(ctx, job.ID, updates)
			require.NoError(t, err)
			assert.Equal(t, 1, sent)
			assert.Equal(t, 1, failed)
			assert.Equal(t, 2, c.Accounted())

			sent, failed, c, err = s.RecordOutcomes(ctx, job.ID, updates)
			require.NoError(t, err)
			assert.Zero(t, sent+failed)
			assert.Equal(t, 2, c.Accounted())

			_, _, _, err = s.RecordOutcomes(ctx, "missing-"+uuid.NewString(), nil)
			assert.ErrorIs(t, err, ErrJobNotFound)
		})
	}
}
