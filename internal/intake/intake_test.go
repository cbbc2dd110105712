package intake

import (
	"context"
	"testing"

	"github.com/dubforge/retargetd/internal/domain"
	"github.com/dubforge/retargetd/internal/jobstore"
	"github.com/dubforge/retargetd/internal/retargeterr"
)

type fakeStore struct {
	transcreations map[string]domain.Transcreation
	processing     []string
}

func (f *fakeStore) GetTranscreation(ctx context.Context, id string) (*domain.Transcreation, error) {
	tr, ok := f.transcreations[id]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	cp := tr
	return &cp, nil
}

func (f *fakeStore) MarkProcessing(ctx context.Context, transcreationID string) error {
	f.processing = append(f.processing, transcreationID)
	return nil
}

type fakeEnqueuer struct {
	envelopes []domain.JobEnvelope
	priority  []int
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, envelope domain.JobEnvelope, priority int) (string, error) {
	f.envelopes = append(f.envelopes, envelope)
	f.priority = append(f.priority, priority)
	return "job-" + envelope.TranscreationID, nil
}

func TestSubmitBuildsEnvelopeAndEnqueues(t *testing.T) {
	store := &fakeStore{transcreations: map[string]domain.Transcreation{
		"t1": {
			ID:               "t1",
			OriginalAudioURL: "https://example.com/a.wav",
			ToLanguage:       "fr-FR",
			OwnerEmail:       "owner@example.com",
			Priority:         "pro",
			Segments: []domain.TranscriptSegment{
				{StartMS: 0, EndMS: 1000, TextTranslated: "bonjour", Voice: domain.VoiceClone, Speaker: "alice"},
				{StartMS: 1000, EndMS: 2000, TextTranslated: "au revoir", Voice: "vendor-42"},
			},
		},
	}}
	enq := &fakeEnqueuer{}
	in := New(store, enq)

	jobID, err := in.Submit(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if jobID != "job-t1" {
		t.Errorf("unexpected job id: %s", jobID)
	}
	if len(store.processing) != 1 || store.processing[0] != "t1" {
		t.Errorf("expected MarkProcessing called with t1, got %v", store.processing)
	}
	if len(enq.envelopes) != 1 {
		t.Fatalf("expected one enqueued envelope, got %d", len(enq.envelopes))
	}

	env := enq.envelopes[0]
	if env.TargetLanguage != "fr-FR" || env.OwnerEmail != "owner@example.com" {
		t.Errorf("unexpected envelope: %+v", env)
	}
	if len(env.Requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(env.Requests))
	}
	if env.Requests[0].Voice.Kind != domain.VoiceClonedChoice {
		t.Errorf("expected first request cloned, got %+v", env.Requests[0].Voice)
	}
	if env.Requests[1].Voice.Kind != domain.VoiceCatalog || env.Requests[1].Voice.CatalogVoiceID != "vendor-42" {
		t.Errorf("expected second request catalog vendor-42, got %+v", env.Requests[1].Voice)
	}
	if enq.priority[0] != 10 {
		t.Errorf("expected pro plan priority 10, got %d", enq.priority[0])
	}
}

func TestSubmitDefaultsLanguageCodeWhenMissing(t *testing.T) {
	store := &fakeStore{transcreations: map[string]domain.Transcreation{
		"t1": {ID: "t1", OriginalAudioURL: "https://example.com/a.wav"},
	}}
	enq := &fakeEnqueuer{}
	in := New(store, enq)

	if _, err := in.Submit(context.Background(), "t1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if enq.envelopes[0].TargetLanguage != defaultLanguageCode {
		t.Errorf("expected default language code, got %q", enq.envelopes[0].TargetLanguage)
	}
}

func TestSubmitUnknownPlanGetsLowestPriority(t *testing.T) {
	store := &fakeStore{transcreations: map[string]domain.Transcreation{
		"t1": {ID: "t1", OriginalAudioURL: "https://example.com/a.wav", Priority: "mystery-tier"},
	}}
	enq := &fakeEnqueuer{}
	in := New(store, enq)

	if _, err := in.Submit(context.Background(), "t1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if enq.priority[0] != lowestPriority {
		t.Errorf("expected lowest priority for unknown plan, got %d", enq.priority[0])
	}
}

func TestSubmitReturnsNotFound(t *testing.T) {
	store := &fakeStore{transcreations: map[string]domain.Transcreation{}}
	in := New(store, &fakeEnqueuer{})

	_, err := in.Submit(context.Background(), "missing")
	if !retargeterr.Is(err, retargeterr.KindNotFound) {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestSubmitReturnsPreconditionFailedForMissingAudioURL(t *testing.T) {
	store := &fakeStore{transcreations: map[string]domain.Transcreation{
		"t1": {ID: "t1"},
	}}
	in := New(store, &fakeEnqueuer{})

	_, err := in.Submit(context.Background(), "t1")
	if !retargeterr.Is(err, retargeterr.KindPreconditionFailed) {
		t.Fatalf("expected KindPreconditionFailed, got %v", err)
	}
}

func TestSubmitNeverEnqueuesOnValidationFailure(t *testing.T) {
	store := &fakeStore{transcreations: map[string]domain.Transcreation{
		"t1": {ID: "t1"},
	}}
	enq := &fakeEnqueuer{}
	in := New(store, enq)

	_, err := in.Submit(context.Background(), "t1")
	if err == nil {
		t.Fatal("expected error")
	}
	if len(enq.envelopes) != 0 {
		t.Errorf("expected no enqueue on precondition failure, got %d", len(enq.envelopes))
	}
}
