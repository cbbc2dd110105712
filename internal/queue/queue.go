// Package queue implements the durable priority queue described in
// spec.md §4.8: a worker pool pulls the highest-priority ready job, runs it
// through the job pipeline, retries retryable failures with exponential
// backoff, and publishes progress and terminal events exactly once.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dubforge/retargetd/internal/domain"
	"github.com/dubforge/retargetd/internal/jobpipeline"
	"github.com/dubforge/retargetd/internal/retargeterr"
	"github.com/dubforge/retargetd/internal/ttsclient"
)

const (
	defaultConcurrency  = 2
	defaultMaxAttempts  = 3
	defaultBaseBackoff  = 1 * time.Second
	defaultFactor       = 2.0
	defaultPollInterval = 250 * time.Millisecond
)

// JobRunner executes one job end-to-end. Satisfied by *jobpipeline.Pipeline.
type JobRunner interface {
	Run(ctx context.Context, jobID string, envelope domain.JobEnvelope, onProgress jobpipeline.ProgressFunc) (finalURL string, err error)
}

// Option configures a [Runtime].
type Option func(*Runtime)

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(c int) Option {
	return func(r *Runtime) {
		if c > 0 {
			r.concurrency = c
		}
	}
}

// WithMaxAttempts sets the default per-job retry budget used when a job's
// own MaxAttempts is left at zero.
func WithMaxAttempts(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.defaultMaxAttempts.Store(int64(n))
		}
	}
}

// WithBackoff sets the exponential backoff base and growth factor.
func WithBackoff(base time.Duration, factor float64) Option {
	return func(r *Runtime) {
		if base > 0 {
			r.baseBackoff = base
		}
		if factor > 1 {
			r.factor = factor
		}
	}
}

// WithPollInterval sets how often an idle worker re-checks the store when
// nothing is ready to claim.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithEventSink registers a callback invoked for every progress update and
// terminal event (completed/failed). Typically wired to the Status
// Publisher (C9).
func WithEventSink(fn func(Event)) Option {
	return func(r *Runtime) { r.sink = fn }
}

// EventKind tags an [Event].
type EventKind int

const (
	EventProgress EventKind = iota
	EventCompleted
	EventFailed
)

// Event is published on every progress update and exactly once per job on
// terminal completion or failure.
type Event struct {
	Kind          EventKind
	JobID         string
	Progress      domain.Progress
	FinalAudioURL string
	FailureReason string
}

// Runtime is the worker pool and retry coordinator described in spec.md
// §4.8. Its in-memory ready-heap generalization lives behind [Store]; this
// type owns only scheduling, retry policy, and event fan-out.
//
// defaultMaxAttempts is read through an atomic so [Runtime.SetMaxAttempts]
// can retune the retry budget from the config Watcher while workers are
// running; concurrency is fixed for the life of a Run call, since the
// worker pool size is set once at startup.
type Runtime struct {
	store              Store
	runner             JobRunner
	concurrency        int
	defaultMaxAttempts atomic.Int64
	baseBackoff        time.Duration
	factor             float64
	pollInterval       time.Duration
	sink               func(Event)
}

// New constructs a Runtime. store is typically a [*PostgresStore] or
// [*MemStore]; runner is typically a [*jobpipeline.Pipeline].
func New(store Store, runner JobRunner, opts ...Option) *Runtime {
	r := &Runtime{
		store:        store,
		runner:       runner,
		concurrency:  defaultConcurrency,
		baseBackoff:  defaultBaseBackoff,
		factor:       defaultFactor,
		pollInterval: defaultPollInterval,
	}
	r.defaultMaxAttempts.Store(defaultMaxAttempts)
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetMaxAttempts retunes the default per-job retry budget used by jobs whose
// own MaxAttempts is left at zero. Takes effect on the next retry decision.
func (r *Runtime) SetMaxAttempts(n int) {
	if n > 0 {
		r.defaultMaxAttempts.Store(int64(n))
	}
}

// Enqueue admits a new job at the given priority (lower numeric value is
// scheduled sooner) and returns its id.
func (r *Runtime) Enqueue(ctx context.Context, envelope domain.JobEnvelope, priority int) (string, error) {
	rec := &Record{
		JobID:       uuid.NewString(),
		Envelope:    envelope,
		Priority:    priority,
		MaxAttempts: int(r.defaultMaxAttempts.Load()),
	}
	if err := r.store.Enqueue(ctx, rec); err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return rec.JobID, nil
}

// Get returns the current record for a job id.
func (r *Runtime) Get(ctx context.Context, jobID string) (*Record, error) {
	return r.store.Get(ctx, jobID)
}

// Run starts the worker pool and blocks until ctx is cancelled or a worker
// returns an unrecoverable error. Each worker independently claims and
// processes jobs until ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.concurrency; i++ {
		g.Go(func() error {
			r.workerLoop(gctx)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runtime) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rec, err := r.store.Claim(ctx)
		if err != nil {
			slog.Error("queue: claim failed", "err", err)
			r.sleep(ctx)
			continue
		}
		if rec == nil {
			r.sleep(ctx)
			continue
		}

		r.process(ctx, rec)
	}
}

func (r *Runtime) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(r.pollInterval):
	}
}

func (r *Runtime) process(ctx context.Context, rec *Record) {
	onProgress := func(p domain.Progress) {
		if err := r.store.UpdateProgress(ctx, rec.JobID, p.Percent, p.Operation); err != nil {
			slog.Warn("queue: update progress failed", "job_id", rec.JobID, "err", err)
		}
		r.publish(Event{Kind: EventProgress, JobID: rec.JobID, Progress: p})
	}

	url, err := r.runner.Run(ctx, rec.JobID, rec.Envelope, onProgress)
	if err == nil {
		if markErr := r.store.MarkCompleted(ctx, rec.JobID, url); markErr != nil {
			slog.Error("queue: mark completed failed", "job_id", rec.JobID, "err", markErr)
		}
		r.publish(Event{Kind: EventCompleted, JobID: rec.JobID, FinalAudioURL: url})
		return
	}

	maxAttempts := rec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = int(r.defaultMaxAttempts.Load())
	}
	if rec.Attempts < maxAttempts && isRetryable(err) {
		backoff := time.Duration(float64(r.baseBackoff) * math.Pow(r.factor, float64(rec.Attempts-1)))
		if schedErr := r.store.ScheduleRetry(ctx, rec.JobID, time.Now().Add(backoff)); schedErr != nil {
			slog.Error("queue: schedule retry failed", "job_id", rec.JobID, "err", schedErr)
		}
		slog.Info("queue: scheduled retry", "job_id", rec.JobID, "attempt", rec.Attempts, "backoff", backoff)
		return
	}

	reason := failureReason(err)
	if markErr := r.store.MarkFailed(ctx, rec.JobID, reason); markErr != nil {
		slog.Error("queue: mark failed failed", "job_id", rec.JobID, "err", markErr)
	}
	r.publish(Event{Kind: EventFailed, JobID: rec.JobID, FailureReason: reason})
}

func (r *Runtime) publish(e Event) {
	if r.sink != nil {
		r.sink(e)
	}
}

// isRetryable reports whether a job failure should be retried at the queue
// level. A *ttsclient.SynthesisError carries its own retryable verdict
// (whether another attempt would have been worth trying, set by the TTS
// Client's own exhausted-retry path); everything else defers to
// retargeterr.Retryable.
func isRetryable(err error) bool {
	var synthErr *ttsclient.SynthesisError
	if errors.As(err, &synthErr) {
		return synthErr.Retryable
	}
	return retargeterr.Retryable(err)
}

func failureReason(err error) string {
	var e *retargeterr.Error
	if errors.As(err, &e) {
		return e.Reason()
	}
	return err.Error()
}
