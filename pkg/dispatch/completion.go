package dispatch

import (
	"context"
	"fmt"

	"broadcast-dispatcher/pkg/auditlog"
	"broadcast-dispatcher/pkg/broadcast"
	"broadcast-dispatcher/pkg/observability"
)

type Finalizer interface {
	FinalizeJob(ctx context.Context, jobID string, status broadcast.Status) (bool, error)
}

// CompletionDetector closes a job once every recipient has an outcome.
// The store update is conditional on PROCESSING, so when several workers
// finish the last batches concurrently only one of them transitions the job.
type CompletionDetector struct {
	store Finalizer
	audit *auditlog.Logger
}

func NewCompletionDetector(store Finalizer, audit *auditlog.Logger) *CompletionDetector {
	return &CompletionDetector{store: store, audit: audit}
}

// Check finalizes job if c shows it is done. It reports whether this call
// performed the transition.
func (d *CompletionDetector) Check(ctx context.Context, job broadcast.JobConfig, c broadcast.Counters) (bool, error) {
	if c.Status.Terminal() || !c.Done() {
		return false, nil
	}
	status := c.TerminalStatus()
	ok, err := d.store.FinalizeJob(ctx, job.ID, status)
	if err != nil {
		return false, fmt.Errorf("finalize job: %w", err)
	}
	if !ok {
		return false, nil
	}
	observability.JobsFinalized.WithLabelValues(string(status)).Inc()
	d.audit.Job(job.ID, job.ProjectID).Info(ctx,
		fmt.Sprintf("Broadcast finished with status %s. Sent: %d, Failed: %d.", status, c.SuccessCount, c.ErrorCount),
		map[string]any{
			"status":       string(status),
			"successCount": c.SuccessCount,
			"errorCount":   c.ErrorCount,
			"contactCount": c.ContactCount,
		})
	return true, nil
}
