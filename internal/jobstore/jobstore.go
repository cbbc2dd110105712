// Package jobstore is the durable record of transcreations and their job
// status, per spec.md §6's Job Store schema. Intake (C10) reads a
// transcreation and its ordered transcript; the Job Pipeline (C7) writes
// back the terminal job state.
package jobstore

import (
	"context"
	"errors"

	"github.com/dubforge/retargetd/internal/domain"
)

// ErrNotFound is returned when no transcreation exists for the given id.
var ErrNotFound = errors.New("jobstore: transcreation not found")

// Store is the persistence boundary for transcreations and job status. A
// Postgres implementation lives in postgres.go, modeled on
// internal/agent/npcstore.PostgresStore; an in-memory implementation in
// memstore.go backs tests.
//
// MarkCompleted and MarkFailed are defined with the exact signatures
// internal/jobpipeline.StatusWriter expects, so any Store satisfies that
// interface structurally.
type Store interface {
	// GetTranscreation fetches a transcreation and its transcript, ordered
	// by StartMS. Returns ErrNotFound if id doesn't exist.
	GetTranscreation(ctx context.Context, id string) (*domain.Transcreation, error)
	// MarkProcessing upserts a JobStatus row in the processing state,
	// called once by Intake just before the job is enqueued.
	MarkProcessing(ctx context.Context, transcreationID string) error
	// MarkCompleted upserts a JobStatus row recording terminal success.
	MarkCompleted(ctx context.Context, transcreationID, finalURL string) error
	// MarkFailed upserts a JobStatus row recording terminal failure.
	MarkFailed(ctx context.Context, transcreationID, reason string) error
	// GetJobStatus returns the current job status for a transcreation id,
	// or ErrNotFound if no status has ever been recorded.
	GetJobStatus(ctx context.Context, transcreationID string) (*domain.JobStatus, error)
}
