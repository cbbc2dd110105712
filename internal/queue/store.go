package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dubforge/retargetd/internal/domain"
)

// ErrNotFound is returned by Store.Get when no record exists for a job id.
var ErrNotFound = errors.New("queue: job not found")

// Record is the Queue Runtime's persisted view of a job: its envelope, its
// place in line, and the retry/progress bookkeeping spec.md §4.8 requires.
// It is distinct from the Job Store's JobStatus row (internal/jobstore):
// this is queue-internal scheduling state, not the externally-durable
// transcreation status.
type Record struct {
	JobID         string
	Envelope      domain.JobEnvelope
	Priority      int
	State         domain.JobState
	Attempts      int
	MaxAttempts   int
	Progress      int
	Operation     string
	FinalAudioURL string
	FailureReason string
	EnqueuedAt    time.Time
	StartedAt     time.Time
	NextAttemptAt time.Time
}

// Store is the persistence boundary for the Queue Runtime. A Postgres
// implementation lives in postgres_store.go, modeled on
// internal/agent/npcstore.PostgresStore; an in-memory implementation below
// backs tests and single-process deployments.
type Store interface {
	// Enqueue inserts a new record in the Queued state.
	Enqueue(ctx context.Context, rec *Record) error
	// Claim atomically pops and marks Processing the highest-priority record
	// whose NextAttemptAt has elapsed. It returns (nil, nil) when nothing is
	// ready.
	Claim(ctx context.Context) (*Record, error)
	// UpdateProgress writes a monotonic progress checkpoint for a job.
	UpdateProgress(ctx context.Context, jobID string, percent int, operation string) error
	// MarkCompleted records a terminal success.
	MarkCompleted(ctx context.Context, jobID, finalURL string) error
	// MarkFailed records a terminal failure (attempts exhausted or
	// non-retryable).
	MarkFailed(ctx context.Context, jobID, reason string) error
	// ScheduleRetry returns a record to the ready set after a retryable
	// failure. It leaves the attempt count unchanged; the next Claim
	// increments it.
	ScheduleRetry(ctx context.Context, jobID string, nextAttemptAt time.Time) error
	// Get returns the current record for a job id, or ErrNotFound.
	Get(ctx context.Context, jobID string) (*Record, error)
}

// MemStore is an in-memory [Store], safe for concurrent use. It backs tests
// and single-process deployments without a configured DATABASE_URL.
type MemStore struct {
	mu      sync.Mutex
	ready   readyHeap
	records map[string]*Record
	seq     uint64
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]*Record)}
}

func (s *MemStore) Enqueue(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.JobID]; exists {
		return errors.New("queue: job id already enqueued")
	}
	cp := *rec
	cp.State = domain.JobQueued
	cp.EnqueuedAt = time.Now()
	s.records[rec.JobID] = &cp
	rec.EnqueuedAt = cp.EnqueuedAt
	s.seq++
	heap.Push(&s.ready, entry{record: &cp, priority: cp.Priority, seq: s.seq})
	return nil
}

// Claim scans the ready set for the highest-priority job whose
// NextAttemptAt has elapsed. A scheduled retry can sit behind an
// earlier-priority job that isn't due yet, so the whole heap is drained and
// rebuilt rather than assuming the root is always ready.
func (s *MemStore) Claim(ctx context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()

	var deferred []entry
	var claimed *entry
	for s.ready.Len() > 0 {
		e := heap.Pop(&s.ready).(entry)
		if claimed == nil && (e.record.NextAttemptAt.IsZero() || !e.record.NextAttemptAt.After(now)) {
			claimed = &e
			continue
		}
		deferred = append(deferred, e)
	}
	for _, e := range deferred {
		heap.Push(&s.ready, e)
	}
	if claimed == nil {
		return nil, nil
	}

	rec := claimed.record
	rec.State = domain.JobProcessing
	rec.Attempts++
	rec.StartedAt = now
	cp := *rec
	return &cp, nil
}

func (s *MemStore) UpdateProgress(ctx context.Context, jobID string, percent int, operation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[jobID]
	if !ok {
		return ErrNotFound
	}
	if percent > rec.Progress {
		rec.Progress = percent
	}
	rec.Operation = operation
	return nil
}

func (s *MemStore) MarkCompleted(ctx context.Context, jobID, finalURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[jobID]
	if !ok {
		return ErrNotFound
	}
	rec.State = domain.JobCompleted
	rec.FinalAudioURL = finalURL
	rec.Progress = 100
	return nil
}

func (s *MemStore) MarkFailed(ctx context.Context, jobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[jobID]
	if !ok {
		return ErrNotFound
	}
	rec.State = domain.JobFailed
	rec.FailureReason = reason
	return nil
}

func (s *MemStore) ScheduleRetry(ctx context.Context, jobID string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[jobID]
	if !ok {
		return ErrNotFound
	}
	rec.State = domain.JobQueued
	rec.NextAttemptAt = nextAttemptAt
	s.seq++
	heap.Push(&s.ready, entry{record: rec, priority: rec.Priority, seq: s.seq})
	return nil
}

func (s *MemStore) Get(ctx context.Context, jobID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}
