package jobstore

import (
	"context"
	"sync"

	"github.com/dubforge/retargetd/internal/domain"
)

// MemStore is an in-memory [Store], safe for concurrent use. It backs tests
// and deployments without a configured DATABASE_URL.
type MemStore struct {
	mu             sync.Mutex
	transcreations map[string]domain.Transcreation
	statuses       map[string]domain.JobStatus
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		transcreations: make(map[string]domain.Transcreation),
		statuses:       make(map[string]domain.JobStatus),
	}
}

// Put seeds a transcreation record, as a fixture-loading substitute for the
// upstream write path spec.md treats as external to this system.
func (s *MemStore) Put(tr domain.Transcreation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcreations[tr.ID] = tr
}

func (s *MemStore) GetTranscreation(ctx context.Context, id string) (*domain.Transcreation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.transcreations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := tr
	cp.Segments = append([]domain.TranscriptSegment(nil), tr.Segments...)
	return &cp, nil
}

func (s *MemStore) MarkProcessing(ctx context.Context, transcreationID string) error {
	return s.setStatus(transcreationID, domain.JobProcessing, "", "")
}

func (s *MemStore) MarkCompleted(ctx context.Context, transcreationID, finalURL string) error {
	return s.setStatus(transcreationID, domain.JobCompleted, finalURL, "")
}

func (s *MemStore) MarkFailed(ctx context.Context, transcreationID, reason string) error {
	return s.setStatus(transcreationID, domain.JobFailed, "", reason)
}

// setStatus writes a job status, refusing to move a row out of the
// completed state (mirrors [PostgresStore.upsertStatus]'s ON CONFLICT
// guard): a completed job only accepts another completed write.
func (s *MemStore) setStatus(transcreationID string, state domain.JobState, finalURL, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.statuses[transcreationID]; ok && existing.State == domain.JobCompleted && state != domain.JobCompleted {
		return nil
	}
	s.statuses[transcreationID] = domain.JobStatus{
		TranscreationID: transcreationID,
		State:           state,
		FinalAudioURL:   finalURL,
		FailureReason:   reason,
	}
	return nil
}

func (s *MemStore) GetJobStatus(ctx context.Context, transcreationID string) (*domain.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[transcreationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := st
	return &cp, nil
}
