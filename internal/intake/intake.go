// Package intake implements Job Intake (C10): given a transcreation id, it
// validates the record, builds the per-segment TTS requests, records the
// job as processing, and enqueues it onto the Queue Runtime.
package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dubforge/retargetd/internal/domain"
	"github.com/dubforge/retargetd/internal/jobstore"
	"github.com/dubforge/retargetd/internal/retargeterr"
)

const defaultLanguageCode = "en-US"

// lowestPriority is assigned to an unrecognized owner plan, per spec.md
// §4.10's "unknown plan → lowest priority" rule. Priority is ascending
// urgency: lower numeric value is scheduled sooner (domain.JobEnvelope.Priority).
const lowestPriority = 1000

// defaultPlanPriority maps an owner's plan name to a numeric queue
// priority. Unrecognized plans fall back to lowestPriority.
var defaultPlanPriority = map[string]int{
	"enterprise": 0,
	"pro":        10,
	"free":       50,
}

// TranscreationStore is the read/write surface Intake needs from the Job
// Store. Satisfied by *jobstore.PostgresStore and *jobstore.MemStore.
type TranscreationStore interface {
	GetTranscreation(ctx context.Context, id string) (*domain.Transcreation, error)
	MarkProcessing(ctx context.Context, transcreationID string) error
}

// Enqueuer admits a job envelope onto the Queue Runtime. Satisfied by
// *queue.Runtime.
type Enqueuer interface {
	Enqueue(ctx context.Context, envelope domain.JobEnvelope, priority int) (string, error)
}

// Option configures an Intake.
type Option func(*Intake)

// WithPlanPriority overrides the plan-name-to-priority table.
func WithPlanPriority(table map[string]int) Option {
	return func(i *Intake) {
		if table != nil {
			i.planPriority = table
		}
	}
}

// WithDefaultLanguageCode overrides the fallback language code used when a
// transcreation doesn't specify one.
func WithDefaultLanguageCode(code string) Option {
	return func(i *Intake) {
		if code != "" {
			i.defaultLanguageCode = code
		}
	}
}

// WithDefaultVoiceID sets the vendor voice id assigned to a segment that
// specifies no voice at all, so it reaches the TTS Client as a resolved
// VoiceDefaultFallback rather than an empty one (see voiceChoiceFromSegment).
func WithDefaultVoiceID(id string) Option {
	return func(i *Intake) {
		if id != "" {
			i.defaultVoiceID = id
		}
	}
}

// Intake implements the Job Intake operation described in spec.md §4.10.
//
// planPriority is guarded by mu rather than set once at construction: the
// config Watcher calls [Intake.SetPlanPriority] to retune the plan table
// without restarting the process.
type Intake struct {
	store               TranscreationStore
	enqueuer            Enqueuer
	mu                  sync.RWMutex
	planPriority        map[string]int
	defaultLanguageCode string
	defaultVoiceID      string
}

// New constructs an Intake.
func New(store TranscreationStore, enqueuer Enqueuer, opts ...Option) *Intake {
	i := &Intake{
		store:               store,
		enqueuer:            enqueuer,
		planPriority:        defaultPlanPriority,
		defaultLanguageCode: defaultLanguageCode,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Submit fetches the transcreation, validates it, builds its TTS requests,
// marks it processing, and enqueues it. It returns the queue job id.
func (i *Intake) Submit(ctx context.Context, transcreationID string) (string, error) {
	tr, err := i.store.GetTranscreation(ctx, transcreationID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return "", retargeterr.New(retargeterr.KindNotFound, "intake", fmt.Sprintf("transcreation %q not found", transcreationID), err)
	}
	if err != nil {
		return "", fmt.Errorf("intake: fetch transcreation: %w", err)
	}

	if tr.OriginalAudioURL == "" {
		return "", retargeterr.New(retargeterr.KindPreconditionFailed, "intake", "original audio url is empty", nil)
	}

	languageCode := tr.ToLanguage
	if languageCode == "" {
		languageCode = i.defaultLanguageCode
	}

	envelope := domain.JobEnvelope{
		TranscreationID:  tr.ID,
		OriginalAudioURL: tr.OriginalAudioURL,
		Segments:         tr.Segments,
		Requests:         buildRequests(tr.Segments, languageCode, i.defaultVoiceID),
		TargetLanguage:   languageCode,
		OwnerEmail:       tr.OwnerEmail,
		OwnerDiscordID:   tr.OwnerDiscordID,
		Priority:         i.priorityFor(tr.Priority),
	}

	if err := i.store.MarkProcessing(ctx, tr.ID); err != nil {
		return "", fmt.Errorf("intake: mark processing: %w", err)
	}

	jobID, err := i.enqueuer.Enqueue(ctx, envelope, envelope.Priority)
	if err != nil {
		return "", fmt.Errorf("intake: enqueue: %w", err)
	}
	return jobID, nil
}

func (i *Intake) priorityFor(plan string) int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if p, ok := i.planPriority[plan]; ok {
		return p
	}
	return lowestPriority
}

// SetPlanPriority replaces the plan-name-to-priority table in place.
func (i *Intake) SetPlanPriority(table map[string]int) {
	if table == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.planPriority = table
}

// buildRequests constructs one TTSRequest per segment, preserving transcript
// order, and propagates emotion and the segment's raw voice selector.
func buildRequests(segments []domain.TranscriptSegment, languageCode, defaultVoiceID string) []domain.TTSRequest {
	requests := make([]domain.TTSRequest, len(segments))
	for idx, seg := range segments {
		requests[idx] = domain.TTSRequest{
			SegmentIndex: idx,
			Text:         seg.TextTranslated,
			Voice:        voiceChoiceFromSegment(seg.Voice, defaultVoiceID),
			LanguageCode: languageCode,
			Emotion:      seg.Emotion,
			OutputFormat: "wav",
		}
	}
	return requests
}

// voiceChoiceFromSegment converts a transcript segment's raw voice selector
// (a vendor voice id, the VoiceClone sentinel, or empty) into the tagged
// VoiceChoice the TTS Client expects. Reference resolution for cloned
// choices happens later, in the Job Pipeline's build-references stage;
// a segment with no voice at all is already a resolved fallback here, since
// [ttsclient.ResolveVoice] only rewrites VoiceClonedChoice.
func voiceChoiceFromSegment(voice, defaultVoiceID string) domain.VoiceChoice {
	switch voice {
	case "":
		return domain.VoiceChoice{Kind: domain.VoiceDefaultFallback, FallbackVoiceID: defaultVoiceID, FallbackReason: "segment specified no voice"}
	case domain.VoiceClone:
		return domain.VoiceChoice{Kind: domain.VoiceClonedChoice}
	default:
		return domain.VoiceChoice{Kind: domain.VoiceCatalog, CatalogVoiceID: voice}
	}
}
