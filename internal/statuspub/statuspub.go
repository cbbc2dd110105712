// Package statuspub fans progress and terminal events for a job out to its
// subscribed clients, per spec.md §4.9. It sits downstream of the Queue
// Runtime (internal/queue): wire [Publisher.HandleEvent] as a
// queue.WithEventSink callback and it re-derives and pushes a snapshot on
// every event.
package statuspub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dubforge/retargetd/internal/domain"
	"github.com/dubforge/retargetd/internal/queue"
)

// ErrJobNotFound is returned by Subscribe when no record exists for a job
// id; callers map it to a 404-equivalent response.
var ErrJobNotFound = queue.ErrNotFound

// JobData is the non-transcript job metadata carried in a Snapshot's "data"
// field (spec.md §6: "data excludes transcript").
type JobData struct {
	TranscreationID string `json:"transcreationId"`
	TargetLanguage  string `json:"targetLanguage"`
	OwnerEmail      string `json:"ownerEmail,omitempty"`
}

// Snapshot is the external, per-job status view rendered on subscribe and on
// every subsequent push (spec.md §6: GET /jobs/{jobId} and the stream
// message, which adds ProcessingStage and EstimatedTimeRemaining). Its JSON
// tags are the wire contract for both the fetch and stream endpoints.
type Snapshot struct {
	JobID                  string          `json:"jobId"`
	State                  domain.JobState `json:"state"`
	Progress               int             `json:"progress"`
	Operation              string          `json:"operation,omitempty"`
	ProcessingStage        string          `json:"processingStage"`
	Title                  string          `json:"title"`
	Data                   JobData         `json:"data"`
	FinalAudioURL          string          `json:"result,omitempty"`
	FailureReason          string          `json:"error,omitempty"`
	EnqueuedAt             time.Time       `json:"enqueuedAt"`
	StartedAt              time.Time       `json:"startedAt,omitempty"`
	EstimatedTimeRemaining time.Duration   `json:"estimatedTimeRemaining"`
}

// JobLookup resolves the current record for a job id. Satisfied by
// *queue.Runtime.
type JobLookup interface {
	Get(ctx context.Context, jobID string) (*queue.Record, error)
}

const (
	sinkBuffer     = 8
	terminalLinger = 5 * time.Second
)

type subscriber struct {
	ch   chan Snapshot
	once sync.Once
}

func (s *subscriber) send(snap Snapshot) bool {
	select {
	case s.ch <- snap:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Publisher maintains a set of subscriber sinks per job id and fans events
// out to them, grounded on internal/discord/dashboard.go's rerender-and-push
// loop: that type edits one Discord message in place on every tick, pruning
// on write failure; this type renders a Snapshot and pushes it to every
// registered channel sink for the job, pruning sinks whose buffer is full.
type Publisher struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	lookup JobLookup
	linger time.Duration
}

// New creates a Publisher backed by lookup.
func New(lookup JobLookup) *Publisher {
	return &Publisher{
		subs:   make(map[string]map[*subscriber]struct{}),
		lookup: lookup,
		linger: terminalLinger,
	}
}

// Subscribe registers a sink for jobID and sends an initial snapshot
// immediately. It returns ErrJobNotFound, with no subscription created, if
// the job doesn't exist. The returned unsubscribe func must be called
// exactly once when the caller is done draining the channel.
func (p *Publisher) Subscribe(ctx context.Context, jobID string) (_ <-chan Snapshot, unsubscribe func(), err error) {
	snap, err := p.snapshot(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}

	sub := &subscriber{ch: make(chan Snapshot, sinkBuffer)}
	p.mu.Lock()
	if p.subs[jobID] == nil {
		p.subs[jobID] = make(map[*subscriber]struct{})
	}
	p.subs[jobID][sub] = struct{}{}
	p.mu.Unlock()

	sub.send(snap)

	return sub.ch, func() { p.remove(jobID, sub) }, nil
}

func (p *Publisher) remove(jobID string, sub *subscriber) {
	p.mu.Lock()
	if set, ok := p.subs[jobID]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			if len(set) == 0 {
				delete(p.subs, jobID)
			}
		}
	}
	p.mu.Unlock()
	sub.close()
}

// HandleEvent re-derives the snapshot for e.JobID and pushes it to every
// subscriber. On a terminal event it lingers for ~5s (per spec.md §4.9)
// before closing all sinks for the job, giving slow readers a chance to
// drain the final message.
func (p *Publisher) HandleEvent(e queue.Event) {
	snap, err := p.snapshot(context.Background(), e.JobID)
	if err != nil {
		slog.Warn("statuspub: snapshot failed", "job_id", e.JobID, "err", err)
		return
	}

	p.broadcast(e.JobID, snap)

	if e.Kind == queue.EventCompleted || e.Kind == queue.EventFailed {
		go p.closeAfterLinger(e.JobID)
	}
}

func (p *Publisher) broadcast(jobID string, snap Snapshot) {
	p.mu.Lock()
	subs := make([]*subscriber, 0, len(p.subs[jobID]))
	for sub := range p.subs[jobID] {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		if !sub.send(snap) {
			slog.Warn("statuspub: dropping disconnected sink", "job_id", jobID)
			p.remove(jobID, sub)
		}
	}
}

func (p *Publisher) closeAfterLinger(jobID string) {
	time.Sleep(p.linger)
	p.mu.Lock()
	subs := p.subs[jobID]
	delete(p.subs, jobID)
	p.mu.Unlock()
	for sub := range subs {
		sub.close()
	}
}

// Snapshot returns the current status view for jobID without subscribing to
// further updates, for the plain GET /jobs/{jobId} fetch endpoint.
func (p *Publisher) Snapshot(ctx context.Context, jobID string) (Snapshot, error) {
	return p.snapshot(ctx, jobID)
}

func (p *Publisher) snapshot(ctx context.Context, jobID string) (Snapshot, error) {
	rec, err := p.lookup.Get(ctx, jobID)
	if err != nil {
		return Snapshot{}, err
	}
	return buildSnapshot(rec), nil
}

func buildSnapshot(rec *queue.Record) Snapshot {
	return Snapshot{
		JobID:           rec.JobID,
		State:           rec.State,
		Progress:        rec.Progress,
		Operation:       rec.Operation,
		ProcessingStage: domain.ProcessingStage(rec.State, rec.Progress),
		Title:           domain.Title(rec.Envelope.Segments),
		Data: JobData{
			TranscreationID: rec.Envelope.TranscreationID,
			TargetLanguage:  rec.Envelope.TargetLanguage,
			OwnerEmail:      rec.Envelope.OwnerEmail,
		},
		FinalAudioURL:          rec.FinalAudioURL,
		FailureReason:          rec.FailureReason,
		EnqueuedAt:             rec.EnqueuedAt,
		StartedAt:              rec.StartedAt,
		EstimatedTimeRemaining: estimateRemaining(rec),
	}
}

// estimateRemaining projects the remaining duration from elapsed time and
// current progress, assuming roughly linear progress within a job. Returns
// 0 when the job isn't actively processing or hasn't made enough progress
// to extrapolate from.
func estimateRemaining(rec *queue.Record) time.Duration {
	if rec.State != domain.JobProcessing || rec.Progress <= 0 || rec.Progress >= 100 || rec.StartedAt.IsZero() {
		return 0
	}
	elapsed := time.Since(rec.StartedAt)
	total := elapsed * time.Duration(100) / time.Duration(rec.Progress)
	if total < elapsed {
		return 0
	}
	return total - elapsed
}
