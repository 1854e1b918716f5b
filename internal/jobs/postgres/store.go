// Package postgres implements jobs.Store as a table-as-queue on Postgres.
// Claims use SELECT ... FOR UPDATE SKIP LOCKED so any number of workers can
// poll the same table, and a partial unique index on dedup_key enforces one
// non-terminal job per key.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/jobs"
)

const jobColumns = `id, kind, user_id, dedup_key, payload, status, attempt, max_attempts,
	next_run_at, lease_owner, lease_token, lease_expires_at, stats,
	failure_reason, last_error, created_at, updated_at, started_at, finished_at`

// Store is a Postgres-backed jobs.Store.
type Store struct {
	pool   *pgxpool.Pool
	policy jobs.RetryPolicy
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p jobs.RetryPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store over an existing pool. The jobs table must exist
// (see migrations/postgres).
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, policy: jobs.DefaultRetryPolicy(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue implements jobs.Store.
func (s *Store) Enqueue(ctx context.Context, job *jobs.Job) (*jobs.Job, bool, error) {
	payload, err := jobs.EncodePayload(job.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("Enqueue: %w", err)
	}
	stats, err := json.Marshal(job.Stats)
	if err != nil {
		return nil, false, fmt.Errorf("Enqueue: encode stats: %w", err)
	}

	now := s.now().UTC()
	id := job.ID
	if id == "" {
		id = uuid.New().String()
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.policy.MaxAttempts
	}
	nextRun := job.NextRunAt
	if nextRun.IsZero() {
		nextRun = now
	}

	// The insert and the fallback lookup race with a job finishing; a few
	// rounds settle it.
	for i := 0; i < 3; i++ {
		row := s.pool.QueryRow(ctx, `
			INSERT INTO jobs (id, kind, user_id, dedup_key, payload, status, attempt, max_attempts,
				next_run_at, stats, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 'queued', 0, $6, $7, $8, $9, $9)
			ON CONFLICT (dedup_key) WHERE status IN ('queued', 'processing') DO NOTHING
			RETURNING `+jobColumns,
			id, string(job.Kind), job.UserID, job.DedupKey, payload, maxAttempts, nextRun, stats, now,
		)
		stored, err := scanJob(row)
		if err == nil {
			return stored, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("Enqueue: insert: %w", err)
		}

		existing, err := scanJob(s.pool.QueryRow(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE dedup_key = $1 AND status IN ('queued', 'processing')`,
			job.DedupKey,
		))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("Enqueue: lookup in-flight: %w", err)
		}
	}
	return nil, false, domain.Transient("Enqueue", fmt.Errorf("dedup key %q kept changing state", job.DedupKey))
}

// Claim implements jobs.Store.
func (s *Store) Claim(ctx context.Context, workerID string, lease time.Duration) (*jobs.Job, error) {
	now := s.now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("Claim: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Abandoned jobs with no attempts left end here rather than being reclaimed.
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET
			status = 'error',
			last_error = 'lease held by ' || lease_owner || ' expired',
			failure_reason = 'gave up after ' || attempt || ' attempts: lease held by ' || lease_owner || ' expired',
			lease_owner = '', lease_token = '', lease_expires_at = NULL,
			finished_at = $1, updated_at = $1
		WHERE status = 'processing' AND lease_expires_at < $1 AND attempt >= max_attempts`,
		now,
	); err != nil {
		return nil, fmt.Errorf("Claim: expire exhausted: %w", err)
	}

	row := tx.QueryRow(ctx, `
		UPDATE jobs SET
			last_error = CASE WHEN status = 'processing'
				THEN 'lease held by ' || lease_owner || ' expired' ELSE last_error END,
			status = 'processing',
			attempt = attempt + 1,
			lease_owner = $2,
			lease_token = $3,
			lease_expires_at = $4,
			started_at = COALESCE(started_at, $1),
			updated_at = $1
		WHERE id = (
			SELECT id FROM jobs
			WHERE (status = 'queued' AND next_run_at <= $1)
			   OR (status = 'processing' AND lease_expires_at < $1)
			ORDER BY next_run_at, created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		now, workerID, uuid.New().String(), now.Add(lease),
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("Claim: commit: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Claim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("Claim: commit: %w", err)
	}
	return job, nil
}

// Extend implements jobs.Store.
func (s *Store) Extend(ctx context.Context, l jobs.Lease, lease time.Duration) error {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET lease_expires_at = $3, updated_at = $4
		WHERE id = $1 AND lease_token = $2 AND status = 'processing'`,
		l.JobID, l.Token, now.Add(lease), now,
	)
	if err != nil {
		return fmt.Errorf("Extend: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// Progress implements jobs.Store.
func (s *Store) Progress(ctx context.Context, l jobs.Lease, stats domain.ResultStats, lease time.Duration) error {
	b, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("Progress: encode stats: %w", err)
	}
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET stats = $3, lease_expires_at = $4, updated_at = $5
		WHERE id = $1 AND lease_token = $2 AND status = 'processing'`,
		l.JobID, l.Token, b, now.Add(lease), now,
	)
	if err != nil {
		return fmt.Errorf("Progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// Complete implements jobs.Store.
func (s *Store) Complete(ctx context.Context, l jobs.Lease, stats domain.ResultStats) error {
	b, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("Complete: encode stats: %w", err)
	}
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status = 'done', stats = $3,
			lease_owner = '', lease_token = '', lease_expires_at = NULL,
			last_error = '', failure_reason = '',
			finished_at = $4, updated_at = $4
		WHERE id = $1 AND lease_token = $2 AND status = 'processing'`,
		l.JobID, l.Token, b, now,
	)
	if err != nil {
		return fmt.Errorf("Complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// Fail implements jobs.Store.
func (s *Store) Fail(ctx context.Context, l jobs.Lease, cause error) (*jobs.Job, error) {
	now := s.now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("Fail: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE id = $1 AND lease_token = $2 AND status = 'processing'
		FOR UPDATE`,
		l.JobID, l.Token,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrLeaseLost
	}
	if err != nil {
		return nil, fmt.Errorf("Fail: load: %w", err)
	}

	s.policy.OnFailure(job, cause, now).Apply(job, now)

	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET
			status = $2, next_run_at = $3, last_error = $4, failure_reason = $5,
			lease_owner = '', lease_token = '', lease_expires_at = NULL,
			finished_at = $6, updated_at = $7
		WHERE id = $1`,
		job.ID, string(job.Status), job.NextRunAt, job.LastError, job.FailureReason, job.FinishedAt, now,
	); err != nil {
		return nil, fmt.Errorf("Fail: update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("Fail: commit: %w", err)
	}
	return job, nil
}

// Get implements jobs.Store.
func (s *Store) Get(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return job, nil
}

// List implements jobs.Store.
func (s *Store) List(ctx context.Context, f jobs.Filter) ([]*jobs.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("List: query: %w", err)
	}
	defer rows.Close()

	var result []*jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("List: scan: %w", err)
		}
		result = append(result, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("List: rows: %w", err)
	}
	return result, nil
}

// MarkError implements jobs.Store.
func (s *Store) MarkError(ctx context.Context, id, reason string) error {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status = 'error', failure_reason = $2,
			lease_owner = '', lease_token = '', lease_expires_at = NULL,
			finished_at = $3, updated_at = $3
		WHERE id = $1 AND status IN ('queued', 'processing')`,
		id, "marked as error by operator: "+reason, now,
	)
	if err != nil {
		return fmt.Errorf("MarkError: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return domain.ErrJobTerminal
}

func scanJob(row pgx.Row) (*jobs.Job, error) {
	var (
		j       jobs.Job
		kind    string
		status  string
		payload []byte
		stats   []byte
	)
	err := row.Scan(
		&j.ID, &kind, &j.UserID, &j.DedupKey, &payload, &status, &j.Attempt, &j.MaxAttempts,
		&j.NextRunAt, &j.LeaseOwner, &j.LeaseToken, &j.LeaseExpiresAt, &stats,
		&j.FailureReason, &j.LastError, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Kind = jobs.Kind(kind)
	j.Status = jobs.Status(status)
	if j.Payload, err = jobs.DecodePayload(j.Kind, payload); err != nil {
		return nil, err
	}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &j.Stats); err != nil {
			return nil, fmt.Errorf("decode stats: %w", err)
		}
	}
	return &j, nil
}

// Ensure Store implements jobs.Store.
var _ jobs.Store = (*Store)(nil)
