// Package dispatch turns queued broadcast batches into throttled,
// individually recorded sends and closes jobs once every recipient has an
// outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"broadcast-dispatcher/pkg/auditlog"
	"broadcast-dispatcher/pkg/broadcast"
	"broadcast-dispatcher/pkg/mq"
	"broadcast-dispatcher/pkg/observability"
	"broadcast-dispatcher/pkg/ratelimit"
)

type Store interface {
	ResultStore
	Finalizer
	auditlog.Sink
	StartProcessing(ctx context.Context, jobID, workerID string) (bool, error)
	PendingRecipients(ctx context.Context, jobID string, ids []string) (map[string]bool, error)
}

// Sender delivers one message. It reports every failure as an outcome.
type Sender interface {
	Send(ctx context.Context, job broadcast.JobConfig, r broadcast.Recipient) broadcast.Outcome
}

type Heartbeater interface {
	Heartbeat(ctx context.Context) error
}

type Config struct {
	WorkerID                 string
	Topic                    string
	DefaultMessagesPerSecond int
	RateInterval             time.Duration
}

type Worker struct {
	store      Store
	sender     Sender
	limiters   ratelimit.Factory
	audit      *auditlog.Logger
	aggregator *Aggregator
	detector   *CompletionDetector
	cfg        Config
	log        zerolog.Logger
	now        func() time.Time
}

func NewWorker(store Store, sender Sender, limiters ratelimit.Factory, cfg Config, log zerolog.Logger) *Worker {
	if limiters == nil {
		limiters = ratelimit.New
	}
	if cfg.DefaultMessagesPerSecond <= 0 {
		cfg.DefaultMessagesPerSecond = ratelimit.DefaultLimit
	}
	if cfg.RateInterval <= 0 {
		cfg.RateInterval = ratelimit.DefaultInterval
	}
	audit := auditlog.New(store, log)
	return &Worker{
		store:      store,
		sender:     sender,
		limiters:   limiters,
		audit:      audit,
		aggregator: NewAggregator(store, audit),
		detector:   NewCompletionDetector(store, audit),
		cfg:        cfg,
		log:        log.With().Str("worker_id", cfg.WorkerID).Logger(),
		now:        time.Now,
	}
}

// HandleDelivery is the mq.Handler for batch deliveries. Malformed batches
// and batches for unknown jobs are dropped; any other error leaves the
// delivery for redelivery.
func (w *Worker) HandleDelivery(ctx context.Context, d mq.Delivery) error {
	start := time.Now()
	b, err := broadcast.DecodeBatch(d.Body())
	if err != nil {
		w.reportMalformed(ctx, d, b, err)
		observability.Batches.WithLabelValues(w.cfg.Topic, "dropped").Inc()
		return fmt.Errorf("%w: %w", mq.ErrDrop, err)
	}

	err = w.ProcessBatch(ctx, b, d)
	observability.BatchDuration.WithLabelValues(w.cfg.Topic).Observe(time.Since(start).Seconds())
	if errors.Is(err, broadcast.ErrJobNotFound) {
		// Redelivery cannot create the job row.
		observability.Batches.WithLabelValues(w.cfg.Topic, "dropped").Inc()
		w.log.Error().Err(err).Str("job_id", b.Job.ID).Str("delivery_id", d.ID()).Msg("dropped batch for unknown job")
		return fmt.Errorf("%w: %w", mq.ErrDrop, err)
	}
	if err != nil {
		observability.Batches.WithLabelValues(w.cfg.Topic, "abandoned").Inc()
		w.log.Error().Err(err).Str("job_id", b.Job.ID).Str("delivery_id", d.ID()).Msg("batch abandoned")
		return err
	}
	observability.Batches.WithLabelValues(w.cfg.Topic, "processed").Inc()
	return nil
}

func (w *Worker) reportMalformed(ctx context.Context, d mq.Delivery, b *broadcast.Batch, err error) {
	if b != nil && b.Job.ID != "" && b.Job.ProjectID != "" {
		w.audit.Job(b.Job.ID, b.Job.ProjectID).Error(ctx,
			fmt.Sprintf("Dropped invalid batch: %v", err),
			map[string]any{"deliveryId": d.ID(), "contacts": len(b.Contacts)})
		return
	}
	w.log.Error().Err(err).Str("delivery_id", d.ID()).Int("bytes", len(d.Body())).Msg("dropped invalid batch")
}

// ProcessBatch sends one validated batch and records its results.
func (w *Worker) ProcessBatch(ctx context.Context, b *broadcast.Batch, hb Heartbeater) error {
	job := b.Job
	log := w.log.With().Str("job_id", job.ID).Str("project_id", job.ProjectID).Logger()
	audit := w.audit.Job(job.ID, job.ProjectID)

	started, err := w.store.StartProcessing(ctx, job.ID, w.cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	if started {
		log.Info().Msg("job moved to PROCESSING")
	}

	pending, err := w.store.PendingRecipients(ctx, job.ID, b.RecipientIDs())
	if err != nil {
		return fmt.Errorf("load pending recipients: %w", err)
	}
	recipients := make([]broadcast.Recipient, 0, len(b.Contacts))
	seen := make(map[string]bool, len(b.Contacts))
	for _, r := range b.Contacts {
		if pending[r.ID] && !seen[r.ID] {
			seen[r.ID] = true
			recipients = append(recipients, r)
		}
	}
	if skipped := len(b.Contacts) - len(recipients); skipped > 0 {
		audit.Warn(ctx, fmt.Sprintf("Skipped %d recipients that already have an outcome.", skipped),
			map[string]any{"skipped": skipped})
	}

	mps := job.MessagesPerSecond
	if mps <= 0 {
		mps = w.cfg.DefaultMessagesPerSecond
	}
	limiter := w.limiters(mps, w.cfg.RateInterval)

	audit.Info(ctx, fmt.Sprintf("Started batch of %d. Throttle: %d MPS.", len(recipients), mps), map[string]any{
		"batchSize":         len(recipients),
		"messagesPerSecond": mps,
		"workerId":          w.cfg.WorkerID,
	})
	log.Info().Int("batch_size", len(recipients)).Int("mps", mps).Msg("batch started")

	attempts, sendErr := w.sendAll(ctx, job, recipients, limiter, hb, log)

	// Outcomes gathered before a shutdown are still written; recipient
	// writes are conditional, so the redelivered batch resumes safely.
	res, err := w.aggregator.Record(context.WithoutCancel(ctx), job, attempts)
	if err != nil {
		return fmt.Errorf("record batch results: %w", err)
	}
	if sendErr != nil {
		log.Warn().Err(sendErr).Int("recorded", len(attempts)).Msg("batch interrupted")
		return sendErr
	}

	meta := map[string]any{"successCount": res.Sent, "errorCount": res.Failed}
	if len(res.Errors) > 0 {
		meta["errors"] = res.Errors
	}
	audit.Info(ctx, fmt.Sprintf("Finished batch. Sent: %d, Failed: %d.", res.Sent, res.Failed), meta)
	log.Info().Int("sent", res.Sent).Int("failed", res.Failed).
		Int("success_count", res.Counters.SuccessCount).Int("error_count", res.Counters.ErrorCount).
		Int("contact_count", res.Counters.ContactCount).Msg("batch finished")

	finalized, err := w.detector.Check(ctx, job, res.Counters)
	if err != nil {
		return err
	}
	if finalized {
		log.Info().Str("status", string(res.Counters.TerminalStatus())).Msg("job finalized")
	}
	return nil
}

// sendAll admits each recipient through the limiter, heartbeats, and sends
// concurrently. It stops launching when ctx ends and waits for the sends
// already in flight. The returned attempts cover every launched send.
func (w *Worker) sendAll(ctx context.Context, job broadcast.JobConfig, recipients []broadcast.Recipient,
	limiter ratelimit.Limiter, hb Heartbeater, log zerolog.Logger) ([]Attempt, error) {
	var (
		wg       sync.WaitGroup
		stopErr  error
		launched int
	)
	attempts := make([]Attempt, len(recipients))
	// In-flight sends are bounded by the client timeout, not by shutdown.
	sendCtx := context.WithoutCancel(ctx)

	for i, r := range recipients {
		if err := limiter.Wait(ctx); err != nil {
			stopErr = fmt.Errorf("batch interrupted after %d of %d sends: %w", launched, len(recipients), err)
			break
		}
		if err := hb.Heartbeat(ctx); err != nil {
			log.Warn().Err(err).Msg("heartbeat failed, continuing batch")
		}
		wg.Add(1)
		launched++
		go func(i int, r broadcast.Recipient) {
			defer wg.Done()
			attempts[i] = w.send(sendCtx, job, r)
		}(i, r)
	}
	wg.Wait()
	return attempts[:launched], stopErr
}

func (w *Worker) send(ctx context.Context, job broadcast.JobConfig, r broadcast.Recipient) (a Attempt) {
	a.RecipientID = r.ID
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			a.Outcome = broadcast.Incomplete{Reason: fmt.Sprintf("send panicked: %v", p)}
			w.log.Error().Str("job_id", job.ID).Str("recipient_id", r.ID).Interface("panic", p).Msg("send panicked")
		}
		if a.Outcome == nil {
			a.Outcome = broadcast.Incomplete{Reason: "sender returned no outcome"}
		}
		a.At = w.now().UTC()
		observability.SendDuration.Observe(time.Since(start).Seconds())
		observability.Sends.WithLabelValues(outcomeLabel(a.Outcome)).Inc()
	}()
	a.Outcome = w.sender.Send(ctx, job, r)
	return a
}

func outcomeLabel(o broadcast.Outcome) string {
	switch o.(type) {
	case broadcast.Sent:
		return "sent"
	case broadcast.Failed:
		return "failed"
	default:
		return "incomplete"
	}
}
