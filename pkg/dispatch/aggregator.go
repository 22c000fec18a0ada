package dispatch

import (
	"context"
	"fmt"
	"time"

	"broadcast-dispatcher/pkg/auditlog"
	"broadcast-dispatcher/pkg/broadcast"
)

const maxSampleErrors = 5

// Attempt is the result of one send within a batch.
type Attempt struct {
	RecipientID string
	Outcome     broadcast.Outcome
	At          time.Time
}

// ResultStore persists recipient outcomes and job counters.
type ResultStore interface {
	ApplyOutcomes(ctx context.Context, jobID string, updates []broadcast.RecipientUpdate) (sent, failed int, err error)
	IncrementCounters(ctx context.Context, jobID string, sent, failed int) (broadcast.Counters, error)
}

// OutcomeRecorder is implemented by stores that can apply outcomes and
// advance counters atomically. The aggregator prefers it when available.
type OutcomeRecorder interface {
	RecordOutcomes(ctx context.Context, jobID string, updates []broadcast.RecipientUpdate) (sent, failed int, counters broadcast.Counters, err error)
}

// BatchResult summarises what a batch produced and what the store accepted.
type BatchResult struct {
	Sent     int
	Failed   int
	Applied  int
	Errors   []string
	Counters broadcast.Counters
}

type Aggregator struct {
	store ResultStore
	audit *auditlog.Logger
}

func NewAggregator(store ResultStore, audit *auditlog.Logger) *Aggregator {
	return &Aggregator{store: store, audit: audit}
}

// Record writes every attempt as one bulk update and advances the job
// counters by the transitions that applied. Outcomes for recipients that
// were already terminal are not counted again.
func (a *Aggregator) Record(ctx context.Context, job broadcast.JobConfig, attempts []Attempt) (BatchResult, error) {
	var res BatchResult
	updates := make([]broadcast.RecipientUpdate, 0, len(attempts))
	for _, at := range attempts {
		u := toUpdate(at)
		switch u.Status {
		case broadcast.RecipientSent:
			res.Sent++
		case broadcast.RecipientFailed:
			res.Failed++
			if len(res.Errors) < maxSampleErrors {
				res.Errors = append(res.Errors, u.Error)
			}
		}
		updates = append(updates, u)
	}

	sent, failed, counters, err := a.persist(ctx, job.ID, updates)
	if err != nil {
		return res, err
	}
	res.Applied = sent + failed
	res.Counters = counters

	if dup := len(updates) - res.Applied; dup > 0 {
		a.audit.Job(job.ID, job.ProjectID).Warn(ctx,
			fmt.Sprintf("%d outcomes were already recorded and were not counted again.", dup),
			map[string]any{"duplicates": dup, "applied": res.Applied})
	}
	return res, nil
}

func (a *Aggregator) persist(ctx context.Context, jobID string, updates []broadcast.RecipientUpdate) (int, int, broadcast.Counters, error) {
	if rec, ok := a.store.(OutcomeRecorder); ok {
		sent, failed, c, err := rec.RecordOutcomes(ctx, jobID, updates)
		if err != nil {
			return 0, 0, c, fmt.Errorf("record outcomes: %w", err)
		}
		return sent, failed, c, nil
	}

	sent, failed, err := a.store.ApplyOutcomes(ctx, jobID, updates)
	if err != nil {
		return 0, 0, broadcast.Counters{}, fmt.Errorf("apply outcomes: %w", err)
	}
	c, err := a.store.IncrementCounters(ctx, jobID, sent, failed)
	if err != nil {
		return 0, 0, c, fmt.Errorf("increment counters: %w", err)
	}
	return sent, failed, c, nil
}

func toUpdate(a Attempt) broadcast.RecipientUpdate {
	u := broadcast.RecipientUpdate{RecipientID: a.RecipientID, Status: broadcast.RecipientFailed}
	switch o := a.Outcome.(type) {
	case broadcast.Sent:
		u.Status = broadcast.RecipientSent
		u.SentAt = a.At
		u.MessageID = o.MessageID
	case broadcast.Failed:
		u.Error = o.Reason
		if u.Error == "" {
			u.Error = fmt.Sprintf("provider error %d", o.StatusCode)
		}
	case broadcast.Incomplete:
		u.Error = "send did not complete: " + o.Reason
	default:
		u.Error = fmt.Sprintf("unknown outcome %T", o)
	}
	u.MessageID = broadcast.CleanText(u.MessageID, 0)
	u.Error = broadcast.CleanText(u.Error, broadcast.MaxErrorText)
	return u
}
