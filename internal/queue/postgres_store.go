package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dubforge/retargetd/internal/domain"
)

// Schema is the SQL DDL for the queue_jobs table, modeled on
// internal/agent/npcstore.Schema's CREATE TABLE IF NOT EXISTS + JSONB
// convention.
const Schema = `
CREATE TABLE IF NOT EXISTS queue_jobs (
    job_id          TEXT PRIMARY KEY,
    envelope        JSONB NOT NULL,
    priority        INTEGER NOT NULL DEFAULT 100,
    state           TEXT NOT NULL DEFAULT 'queued',
    attempts        INTEGER NOT NULL DEFAULT 0,
    max_attempts    INTEGER NOT NULL DEFAULT 3,
    progress        INTEGER NOT NULL DEFAULT 0,
    operation       TEXT NOT NULL DEFAULT '',
    final_audio_url TEXT NOT NULL DEFAULT '',
    failure_reason  TEXT NOT NULL DEFAULT '',
    enqueued_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at      TIMESTAMPTZ,
    next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_claimable
    ON queue_jobs(priority, enqueued_at)
    WHERE state = 'queued';
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL. Claim uses
// SELECT ... FOR UPDATE SKIP LOCKED so multiple Queue Runtime processes can
// share one table without double-claiming a job.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps db. Callers must run [PostgresStore.Migrate] (or
// apply Schema during deployment) before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes Schema, creating the queue_jobs table and index if they
// do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("queue: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, rec *Record) error {
	envJSON, err := json.Marshal(rec.Envelope)
	if err != nil {
		return fmt.Errorf("queue: marshal envelope: %w", err)
	}

	const query = `
		INSERT INTO queue_jobs (job_id, envelope, priority, state, max_attempts)
		VALUES ($1, $2, $3, 'queued', $4)
		RETURNING enqueued_at`

	err = s.db.QueryRow(ctx, query, rec.JobID, envJSON, rec.Priority, rec.MaxAttempts).Scan(&rec.EnqueuedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("queue: job %q already enqueued", rec.JobID)
		}
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	rec.State = domain.JobQueued
	return nil
}

func (s *PostgresStore) Claim(ctx context.Context) (*Record, error) {
	const query = `
		UPDATE queue_jobs SET
			state = 'processing',
			attempts = attempts + 1,
			started_at = now()
		WHERE job_id = (
			SELECT job_id FROM queue_jobs
			WHERE state = 'queued' AND next_attempt_at <= now()
			ORDER BY priority ASC, enqueued_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING job_id, envelope, priority, state, attempts, max_attempts,
		          progress, operation, final_audio_url, failure_reason,
		          enqueued_at, started_at, next_attempt_at`

	rec, err := scanRecord(s.db.QueryRow(ctx, query))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, jobID string, percent int, operation string) error {
	const query = `
		UPDATE queue_jobs SET progress = GREATEST(progress, $2), operation = $3
		WHERE job_id = $1`
	_, err := s.db.Exec(ctx, query, jobID, percent, operation)
	if err != nil {
		return fmt.Errorf("queue: update progress %q: %w", jobID, err)
	}
	return nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, jobID, finalURL string) error {
	const query = `
		UPDATE queue_jobs SET state = 'completed', final_audio_url = $2, progress = 100
		WHERE job_id = $1`
	_, err := s.db.Exec(ctx, query, jobID, finalURL)
	if err != nil {
		return fmt.Errorf("queue: mark completed %q: %w", jobID, err)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, jobID, reason string) error {
	const query = `
		UPDATE queue_jobs SET state = 'failed', failure_reason = $2
		WHERE job_id = $1`
	_, err := s.db.Exec(ctx, query, jobID, reason)
	if err != nil {
		return fmt.Errorf("queue: mark failed %q: %w", jobID, err)
	}
	return nil
}

func (s *PostgresStore) ScheduleRetry(ctx context.Context, jobID string, nextAttemptAt time.Time) error {
	const query = `
		UPDATE queue_jobs SET state = 'queued', next_attempt_at = $2
		WHERE job_id = $1`
	_, err := s.db.Exec(ctx, query, jobID, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("queue: schedule retry %q: %w", jobID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*Record, error) {
	const query = `
		SELECT job_id, envelope, priority, state, attempts, max_attempts,
		       progress, operation, final_audio_url, failure_reason,
		       enqueued_at, started_at, next_attempt_at
		FROM queue_jobs WHERE job_id = $1`

	rec, err := scanRecord(s.db.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get %q: %w", jobID, err)
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var envJSON []byte
	var startedAt *time.Time

	if err := row.Scan(
		&rec.JobID, &envJSON, &rec.Priority, &rec.State, &rec.Attempts, &rec.MaxAttempts,
		&rec.Progress, &rec.Operation, &rec.FinalAudioURL, &rec.FailureReason,
		&rec.EnqueuedAt, &startedAt, &rec.NextAttemptAt,
	); err != nil {
		return nil, err
	}
	if startedAt != nil {
		rec.StartedAt = *startedAt
	}
	if err := json.Unmarshal(envJSON, &rec.Envelope); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &rec, nil
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
