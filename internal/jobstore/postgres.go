package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dubforge/retargetd/internal/domain"
)

// Schema is the SQL DDL for the transcreations, transcript_segments, and
// job_status tables, modeled on internal/agent/npcstore.Schema's
// CREATE TABLE IF NOT EXISTS + JSONB-for-structured-subfields convention.
const Schema = `
CREATE TABLE IF NOT EXISTS transcreations (
    id                 TEXT PRIMARY KEY,
    original_audio_url TEXT NOT NULL,
    from_language      TEXT NOT NULL DEFAULT '',
    to_language        TEXT NOT NULL DEFAULT '',
    priority           TEXT NOT NULL DEFAULT '',
    owner_email        TEXT NOT NULL DEFAULT '',
    owner_discord_id   TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS transcript_segments (
    transcreation_id TEXT NOT NULL REFERENCES transcreations(id),
    seq              INTEGER NOT NULL,
    start_ms         BIGINT NOT NULL,
    end_ms           BIGINT NOT NULL,
    text_source      TEXT NOT NULL DEFAULT '',
    text_translated  TEXT NOT NULL DEFAULT '',
    speaker          TEXT NOT NULL DEFAULT '',
    emotion          JSONB NOT NULL DEFAULT '{}',
    voice            TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (transcreation_id, seq)
);
CREATE TABLE IF NOT EXISTS job_status (
    transcreation_id TEXT PRIMARY KEY REFERENCES transcreations(id),
    state            TEXT NOT NULL DEFAULT 'queued',
    final_audio_url  TEXT NOT NULL DEFAULT '',
    failure_reason   TEXT NOT NULL DEFAULT '',
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps db. Callers must run [PostgresStore.Migrate] (or
// apply Schema during deployment) before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes Schema, creating the tables and indexes if they do not
// already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("jobstore: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTranscreation(ctx context.Context, id string) (*domain.Transcreation, error) {
	const trQuery = `
		SELECT id, original_audio_url, from_language, to_language, priority, owner_email, owner_discord_id
		FROM transcreations WHERE id = $1`

	var tr domain.Transcreation
	err := s.db.QueryRow(ctx, trQuery, id).Scan(
		&tr.ID, &tr.OriginalAudioURL, &tr.FromLanguage, &tr.ToLanguage,
		&tr.Priority, &tr.OwnerEmail, &tr.OwnerDiscordID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: get transcreation %q: %w", id, err)
	}

	const segQuery = `
		SELECT start_ms, end_ms, text_source, text_translated, speaker, emotion, voice
		FROM transcript_segments WHERE transcreation_id = $1 ORDER BY start_ms ASC`

	rows, err := s.db.Query(ctx, segQuery, id)
	if err != nil {
		return nil, fmt.Errorf("jobstore: get transcript %q: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var seg domain.TranscriptSegment
		var emotionJSON []byte
		if err := rows.Scan(&seg.StartMS, &seg.EndMS, &seg.TextSource, &seg.TextTranslated, &seg.Speaker, &emotionJSON, &seg.Voice); err != nil {
			return nil, fmt.Errorf("jobstore: scan segment: %w", err)
		}
		if len(emotionJSON) > 0 {
			if err := json.Unmarshal(emotionJSON, &seg.Emotion); err != nil {
				return nil, fmt.Errorf("jobstore: unmarshal emotion: %w", err)
			}
		}
		tr.Segments = append(tr.Segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobstore: list segments %q: %w", id, err)
	}
	return &tr, nil
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, transcreationID string) error {
	return s.upsertStatus(ctx, transcreationID, domain.JobProcessing, "", "")
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, transcreationID, finalURL string) error {
	return s.upsertStatus(ctx, transcreationID, domain.JobCompleted, finalURL, "")
}

func (s *PostgresStore) MarkFailed(ctx context.Context, transcreationID, reason string) error {
	return s.upsertStatus(ctx, transcreationID, domain.JobFailed, "", reason)
}

// upsertStatus writes a new job_status row, or updates the existing one
// subject to monotonicity: a row already in the completed state is never
// overwritten by anything other than another completed write, so a
// MarkFailed arriving after MarkCompleted (a straggling worker, a retried
// notification) cannot demote a finished job, and a repeated MarkCompleted
// is a no-op. Every other transition, including the processing re-entry
// a retry performs, is allowed.
func (s *PostgresStore) upsertStatus(ctx context.Context, transcreationID string, state domain.JobState, finalURL, reason string) error {
	const query = `
		INSERT INTO job_status (transcreation_id, state, final_audio_url, failure_reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (transcreation_id) DO UPDATE SET
			state = EXCLUDED.state,
			final_audio_url = EXCLUDED.final_audio_url,
			failure_reason = EXCLUDED.failure_reason,
			updated_at = now()
		WHERE job_status.state IS DISTINCT FROM $5 OR EXCLUDED.state = $5`
	_, err := s.db.Exec(ctx, query, transcreationID, string(state), finalURL, reason, string(domain.JobCompleted))
	if err != nil {
		return fmt.Errorf("jobstore: upsert status %q: %w", transcreationID, err)
	}
	return nil
}

func (s *PostgresStore) GetJobStatus(ctx context.Context, transcreationID string) (*domain.JobStatus, error) {
	const query = `
		SELECT transcreation_id, state, final_audio_url, failure_reason
		FROM job_status WHERE transcreation_id = $1`

	var st domain.JobStatus
	err := s.db.QueryRow(ctx, query, transcreationID).Scan(&st.TranscreationID, &st.State, &st.FinalAudioURL, &st.FailureReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: get job status %q: %w", transcreationID, err)
	}
	return &st, nil
}
