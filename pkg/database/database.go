package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"broadcast-dispatcher/pkg/broadcast"
)

// ErrJobNotFound and ErrRecipientNotFound are returned for missing rows.
var (
	ErrJobNotFound       = broadcast.ErrJobNotFound
	ErrRecipientNotFound = errors.New("recipient not found")
)

type Client struct {
	pool *pgxpool.Pool
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func New(ctx context.Context, databaseURL string, maxConns int) (*Client, error) {
	// Parse connection string into pgxpool.Config to allow tweaking settings.
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	return &Client{pool: pool}, nil
}

func (c *Client) Close() {
	c.pool.Close()
}

// InitSchema creates the broadcast tables. Idempotent.
func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS broadcasts (
        id TEXT PRIMARY KEY,
        project_id TEXT NOT NULL,
        status TEXT NOT NULL DEFAULT 'QUEUED'
            CHECK (status IN ('QUEUED', 'PROCESSING', 'Completed', 'Failed', 'PartialFailure')),
        contact_count INTEGER NOT NULL DEFAULT 0,
        success_count INTEGER NOT NULL DEFAULT 0,
        error_count INTEGER NOT NULL DEFAULT 0,
        messages_per_second INTEGER,
        worker_id TEXT,
        started_at TIMESTAMPTZ,
        completed_at TIMESTAMPTZ,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );

    CREATE TABLE IF NOT EXISTS broadcast_contacts (
        id TEXT PRIMARY KEY,
        broadcast_id TEXT NOT NULL REFERENCES broadcasts(id) ON DELETE CASCADE,
        phone TEXT NOT NULL,
        variables JSONB NOT NULL DEFAULT '{}'::jsonb,
        status TEXT NOT NULL DEFAULT 'PENDING' CHECK (status IN ('PENDING', 'SENT', 'FAILED')),
        sent_at TIMESTAMPTZ,
        message_id TEXT,
        error TEXT,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS idx_broadcast_contacts_status ON broadcast_contacts (broadcast_id, status);

    CREATE TABLE IF NOT EXISTS broadcast_logs (
        id BIGSERIAL PRIMARY KEY,
        broadcast_id TEXT NOT NULL,
        project_id TEXT NOT NULL,
        level TEXT NOT NULL CHECK (level IN ('INFO', 'WARN', 'ERROR')),
        message TEXT NOT NULL,
        meta JSONB,
        timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS idx_broadcast_logs_broadcast ON broadcast_logs (broadcast_id, timestamp);
    `
	_, err := c.pool.Exec(ctx, schema)
	return err
}

// SeedJob inserts a QUEUED broadcast and its PENDING recipients in one
// transaction. Existing rows are left untouched.
func (c *Client) SeedJob(ctx context.Context, job broadcast.JobConfig, contacts []broadcast.Recipient) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	contactCount := job.ContactCount
	if contactCount == 0 {
		contactCount = len(contacts)
	}
	insertJob := `INSERT INTO broadcasts (id, project_id, contact_count, messages_per_second)
                  VALUES ($1, $2, $3, NULLIF($4, 0)) ON CONFLICT (id) DO NOTHING`
	if _, err := tx.Exec(ctx, insertJob, job.ID, job.ProjectID, contactCount, job.MessagesPerSecond); err != nil {
		return fmt.Errorf("insert broadcast: %w", err)
	}

	batch := &pgx.Batch{}
	for _, r := range contacts {
		vars, err := json.Marshal(r.Variables)
		if err != nil {
			return fmt.Errorf("encode variables for %s: %w", r.ID, err)
		}
		batch.Queue(`INSERT INTO broadcast_contacts (id, broadcast_id, phone, variables)
                     VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`, r.ID, job.ID, r.Phone, vars)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert contacts: %w", err)
	}
	return tx.Commit(ctx)
}

// StartProcessing moves a QUEUED broadcast to PROCESSING. It reports false
// when the job was already past QUEUED.
func (c *Client) StartProcessing(ctx context.Context, jobID, workerID string) (bool, error) {
	query := `
        UPDATE broadcasts
        SET status = 'PROCESSING', worker_id = $2, started_at = NOW(), updated_at = NOW()
        WHERE id = $1 AND status = 'QUEUED'
    `
	tag, err := c.pool.Exec(ctx, query, jobID, workerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// PendingRecipients returns the subset of ids that are still PENDING.
func (c *Client) PendingRecipients(ctx context.Context, jobID string, ids []string) (map[string]bool, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT id FROM broadcast_contacts WHERE broadcast_id = $1 AND id = ANY($2) AND status = 'PENDING'`,
		jobID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pending := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		pending[id] = true
	}
	return pending, rows.Err()
}

// ApplyOutcomes writes terminal recipient states in one set-based statement.
// Only rows still PENDING are touched; the returned counts are the
// transitions that actually applied.
func (c *Client) ApplyOutcomes(ctx context.Context, jobID string, updates []broadcast.RecipientUpdate) (sent, failed int, err error) {
	return applyOutcomes(ctx, c.pool, jobID, updates)
}

func applyOutcomes(ctx context.Context, q querier, jobID string, updates []broadcast.RecipientUpdate) (sent, failed int, err error) {
	if len(updates) == 0 {
		return 0, 0, nil
	}
	ids := make([]string, len(updates))
	statuses := make([]string, len(updates))
	sentAt := make([]time.Time, len(updates))
	messageIDs := make([]string, len(updates))
	errs := make([]string, len(updates))
	for i, u := range updates {
		ids[i] = u.RecipientID
		statuses[i] = string(u.Status)
		sentAt[i] = u.SentAt
		messageIDs[i] = u.MessageID
		errs[i] = u.Error
	}

	query := `
        UPDATE broadcast_contacts AS c
        SET status = u.status,
            sent_at = CASE WHEN u.status = 'SENT' THEN u.sent_at END,
            message_id = NULLIF(u.message_id, ''),
            error = NULLIF(u.error, ''),
            updated_at = NOW()
        FROM unnest($2::text[], $3::text[], $4::timestamptz[], $5::text[], $6::text[])
            AS u(id, status, sent_at, message_id, error)
        WHERE c.id = u.id AND c.broadcast_id = $1 AND c.status = 'PENDING'
        RETURNING c.status
    `
	rows, err := q.Query(ctx, query, jobID, ids, statuses, sentAt, messageIDs, errs)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, 0, err
		}
		switch broadcast.RecipientStatus(status) {
		case broadcast.RecipientSent:
			sent++
		case broadcast.RecipientFailed:
			failed++
		}
	}
	return sent, failed, rows.Err()
}

// IncrementCounters atomically adds to the job counters and returns the
// values after the increment.
func (c *Client) IncrementCounters(ctx context.Context, jobID string, sent, failed int) (broadcast.Counters, error) {
	return incrementCounters(ctx, c.pool, jobID, sent, failed)
}

func incrementCounters(ctx context.Context, q querier, jobID string, sent, failed int) (broadcast.Counters, error) {
	var (
		out    broadcast.Counters
		status string
	)
	query := `
        UPDATE broadcasts
        SET success_count = success_count + $2, error_count = error_count + $3, updated_at = NOW()
        WHERE id = $1
        RETURNING success_count, error_count, contact_count, status
    `
	err := q.QueryRow(ctx, query, jobID, sent, failed).
		Scan(&out.SuccessCount, &out.ErrorCount, &out.ContactCount, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, ErrJobNotFound
	}
	if err != nil {
		return out, err
	}
	out.Status = broadcast.Status(status)
	return out, nil
}

// RecordOutcomes applies outcomes and increments the counters by the
// applied transitions in one transaction, so a crash cannot leave
// recipients recorded but uncounted.
func (c *Client) RecordOutcomes(ctx context.Context, jobID string, updates []broadcast.RecipientUpdate) (sent, failed int, counters broadcast.Counters, err error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return 0, 0, counters, err
	}
	defer tx.Rollback(ctx)

	if sent, failed, err = applyOutcomes(ctx, tx, jobID, updates); err != nil {
		return 0, 0, counters, err
	}
	if counters, err = incrementCounters(ctx, tx, jobID, sent, failed); err != nil {
		return 0, 0, counters, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, counters, err
	}
	return sent, failed, counters, nil
}

// FinalizeJob sets a terminal status if the job is still PROCESSING. It
// reports whether this call performed the transition.
func (c *Client) FinalizeJob(ctx context.Context, jobID string, status broadcast.Status) (bool, error) {
	query := `
        UPDATE broadcasts
        SET status = $2, completed_at = NOW(), updated_at = NOW()
        WHERE id = $1 AND status = 'PROCESSING'
    `
	tag, err := c.pool.Exec(ctx, query, jobID, string(status))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (c *Client) AppendLog(ctx context.Context, e broadcast.LogEntry) error {
	var meta []byte
	if e.Meta != nil {
		var err error
		if meta, err = json.Marshal(e.Meta); err != nil {
			return fmt.Errorf("encode log meta: %w", err)
		}
	}
	// timestamp comes from the column default so entries from different
	// workers order by the server clock.
	_, err := c.pool.Exec(ctx,
		`INSERT INTO broadcast_logs (broadcast_id, project_id, level, message, meta) VALUES ($1, $2, $3, $4, $5)`,
		e.JobID, e.ProjectID, string(e.Level), e.Message, meta)
	return err
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*broadcast.Job, error) {
	j := &broadcast.Job{}
	var (
		status   string
		workerID *string
	)
	query := `SELECT id, project_id, status, contact_count, success_count, error_count, worker_id,
                     started_at, completed_at, created_at, updated_at
              FROM broadcasts WHERE id = $1`
	err := c.pool.QueryRow(ctx, query, jobID).Scan(
		&j.ID, &j.ProjectID, &status, &j.ContactCount, &j.SuccessCount, &j.ErrorCount, &workerID,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Status = broadcast.Status(status)
	if workerID != nil {
		j.WorkerID = *workerID
	}
	return j, nil
}

// ListLogs returns the audit entries of a job, oldest first.
func (c *Client) ListLogs(ctx context.Context, jobID string) ([]broadcast.LogEntry, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT id, broadcast_id, project_id, level, message, meta, timestamp
         FROM broadcast_logs WHERE broadcast_id = $1 ORDER BY timestamp, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []broadcast.LogEntry{}
	for rows.Next() {
		var (
			e     broadcast.LogEntry
			id    int64
			level string
			meta  []byte
		)
		if err := rows.Scan(&id, &e.JobID, &e.ProjectID, &level, &e.Message, &meta, &e.Timestamp); err != nil {
			return nil, err
		}
		e.ID = fmt.Sprint(id)
		e.Level = broadcast.Level(level)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, fmt.Errorf("decode log meta: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Recipient returns one recipient row, for tooling and tests.
func (c *Client) Recipient(ctx context.Context, id string) (*broadcast.RecipientRecord, error) {
	r := &broadcast.RecipientRecord{}
	var (
		status    string
		messageID *string
		errText   *string
	)
	err := c.pool.QueryRow(ctx,
		`SELECT id, broadcast_id, status, sent_at, message_id, error FROM broadcast_contacts WHERE id = $1`, id).
		Scan(&r.ID, &r.BroadcastID, &status, &r.SentAt, &messageID, &errText)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecipientNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = broadcast.RecipientStatus(status)
	if messageID != nil {
		r.MessageID = *messageID
	}
	if errText != nil {
		r.Error = *errText
	}
	return r, nil
}
