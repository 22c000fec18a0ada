package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"broadcast-dispatcher/pkg/broadcast"
)

// MemoryStore keeps broadcast state in process. Every method has the same
// conditional semantics as the Postgres client; it backs tests and local runs.
type MemoryStore struct {
	mu         sync.Mutex
	jobs       map[string]*broadcast.Job
	recipients map[string]*broadcast.RecipientRecord
	logs       []broadcast.LogEntry
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*broadcast.Job),
		recipients: make(map[string]*broadcast.RecipientRecord),
		now:        time.Now,
	}
}

func (m *MemoryStore) SeedJob(_ context.Context, job broadcast.JobConfig, contacts []broadcast.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; !ok {
		count := job.ContactCount
		if count == 0 {
			count = len(contacts)
		}
		now := m.now().UTC()
		m.jobs[job.ID] = &broadcast.Job{
			ID:           job.ID,
			ProjectID:    job.ProjectID,
			Status:       broadcast.StatusQueued,
			ContactCount: count,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}
	for _, r := range contacts {
		if _, ok := m.recipients[r.ID]; ok {
			continue
		}
		m.recipients[r.ID] = &broadcast.RecipientRecord{
			ID:          r.ID,
			BroadcastID: job.ID,
			Status:      broadcast.RecipientPending,
		}
	}
	return nil
}

func (m *MemoryStore) StartProcessing(_ context.Context, jobID, workerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok || j.Status != broadcast.StatusQueued {
		return false, nil
	}
	now := m.now().UTC()
	j.Status = broadcast.StatusProcessing
	j.WorkerID = workerID
	j.StartedAt = &now
	j.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) PendingRecipients(_ context.Context, jobID string, ids []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		if r, ok := m.recipients[id]; ok && r.BroadcastID == jobID && r.Status == broadcast.RecipientPending {
			pending[id] = true
		}
	}
	return pending, nil
}

func (m *MemoryStore) ApplyOutcomes(_ context.Context, jobID string, updates []broadcast.RecipientUpdate) (sent, failed int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sent, failed = m.applyOutcomes(jobID, updates)
	return sent, failed, nil
}

func (m *MemoryStore) applyOutcomes(jobID string, updates []broadcast.RecipientUpdate) (sent, failed int) {
	for _, u := range updates {
		r, ok := m.recipients[u.RecipientID]
		if !ok || r.BroadcastID != jobID || r.Status != broadcast.RecipientPending {
			continue
		}
		r.Status = u.Status
		switch u.Status {
		case broadcast.RecipientSent:
			at := u.SentAt
			r.SentAt = &at
			r.MessageID = u.MessageID
			sent++
		case broadcast.RecipientFailed:
			r.Error = u.Error
			failed++
		}
	}
	return sent, failed
}

func (m *MemoryStore) IncrementCounters(_ context.Context, jobID string, sent, failed int) (broadcast.Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrementCounters(jobID, sent, failed)
}

func (m *MemoryStore) incrementCounters(jobID string, sent, failed int) (broadcast.Counters, error) {
	j, ok := m.jobs[jobID]
	if !ok {
		return broadcast.Counters{}, ErrJobNotFound
	}
	j.SuccessCount += sent
	j.ErrorCount += failed
	j.UpdatedAt = m.now().UTC()
	return broadcast.Counters{
		SuccessCount: j.SuccessCount,
		ErrorCount:   j.ErrorCount,
		ContactCount: j.ContactCount,
		Status:       j.Status,
	}, nil
}

// RecordOutcomes applies outcomes and increments counters under one lock.
func (m *MemoryStore) RecordOutcomes(_ context.Context, jobID string, updates []broadcast.RecipientUpdate) (sent, failed int, counters broadcast.Counters, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return 0, 0, counters, ErrJobNotFound
	}
	sent, failed = m.applyOutcomes(jobID, updates)
	counters, err = m.incrementCounters(jobID, sent, failed)
	return sent, failed, counters, err
}

func (m *MemoryStore) FinalizeJob(_ context.Context, jobID string, status broadcast.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok || j.Status != broadcast.StatusProcessing {
		return false, nil
	}
	now := m.now().UTC()
	j.Status = status
	j.CompletedAt = &now
	j.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) AppendLog(_ context.Context, e broadcast.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.ID = uuid.NewString()
	e.Timestamp = m.now().UTC()
	m.logs = append(m.logs, e)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, jobID string) (*broadcast.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ListLogs(_ context.Context, jobID string) ([]broadcast.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := []broadcast.LogEntry{}
	for _, e := range m.logs {
		if e.JobID == jobID {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, k int) bool { return entries[i].Timestamp.Before(entries[k].Timestamp) })
	return entries, nil
}

func (m *MemoryStore) Recipient(_ context.Context, id string) (*broadcast.RecipientRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.recipients[id]
	if !ok {
		return nil, ErrRecipientNotFound
	}
	cp := *r
	return &cp, nil
}
