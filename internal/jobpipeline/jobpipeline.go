// Package jobpipeline sequences the per-job media pipeline stages (spec.md
// §4.7): fetch, separate, build references, synthesize, combine, upload,
// and mark the job complete. It reports monotonic progress and guarantees
// workspace release on every exit path.
package jobpipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dubforge/retargetd/internal/domain"
	"github.com/dubforge/retargetd/internal/reference"
	"github.com/dubforge/retargetd/internal/retargeterr"
	"github.com/dubforge/retargetd/internal/separator"
	"github.com/dubforge/retargetd/internal/ttsclient"
	"github.com/dubforge/retargetd/internal/workspace"
)

// Progress percents at each stage end (spec.md §4.7). The synthesize stage
// contributes a range via batch completion fraction; all other stages are
// fixed checkpoints. Values are clamped to be monotonic non-decreasing.
const (
	percentFetch            = 10
	percentSeparate         = 25
	percentReferencesBuilt  = 40
	percentSynthesizeWeight = 50 // added on top of percentReferencesBuilt, scaled by batch fraction
	percentCombine          = 80
	percentUpload           = 95
	percentComplete         = 100
)

// Fetcher retrieves a job's original audio from its source URL into the
// workspace, returning a local path. The network/protocol detail is an
// external collaborator per spec.md §1.
type Fetcher interface {
	Fetch(ctx context.Context, url string, h *workspace.Handle) (localPath string, err error)
}

// toolkit narrows *mediatoolkit.Toolkit to what the pipeline calls directly
// (separate, reference, synthesis and combine stages own the rest).
type toolkit interface {
	ToWav(ctx context.Context, input, output string) error
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// referenceBuilder narrows *reference.Builder, for testability.
type referenceBuilder interface {
	Build(ctx context.Context, h *workspace.Handle, vocalsPath string, vocalsDurSec float64, segments []domain.TranscriptSegment, needsClone func(speaker string) bool) (reference.Map, error)
}

// synthesizer narrows *ttsclient.Client, for testability.
type synthesizer interface {
	Batch(ctx context.Context, requests []domain.TTSRequest, defaultLanguageCode string, h *workspace.Handle, onProgress func(done, total int)) ([]string, error)
}

// mixer narrows *combiner.Combiner, for testability.
type mixer interface {
	Combine(ctx context.Context, h *workspace.Handle, backgroundPath string, speechPaths []string, segments []domain.TranscriptSegment) (string, error)
}

// BlobStore persists a local file and returns a stable URL. External
// collaborator per spec.md §1.
type BlobStore interface {
	Upload(ctx context.Context, localPath string) (url string, err error)
}

// StatusWriter records terminal job outcomes. Satisfied by
// [github.com/dubforge/retargetd/internal/jobstore].
type StatusWriter interface {
	MarkCompleted(ctx context.Context, transcreationID, finalURL string) error
	MarkFailed(ctx context.Context, transcreationID, reason string) error
}

// ProgressFunc receives a [domain.Progress] at each stage boundary and on
// every completed synthesis batch.
type ProgressFunc func(domain.Progress)

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithDefaultVoice sets the vendor voice id requests downgrade to.
func WithDefaultVoice(id string) Option {
	return func(p *Pipeline) { p.defaultVoiceID = id }
}

// Pipeline wires the per-job stages together. It owns no subsystem state
// beyond the dependencies it was constructed with and is safe to reuse
// across jobs (each [Pipeline.Run] call operates on its own workspace handle).
type Pipeline struct {
	workspaceRoot  *workspace.Root
	fetcher        Fetcher
	toolkit        toolkit
	separator      separator.Provider
	refBuilder     referenceBuilder
	tts            synthesizer
	combiner       mixer
	blobStore      BlobStore
	statusWriter   StatusWriter
	defaultVoiceID string
}

// New constructs a Pipeline from its stage dependencies. toolkit, refBuilder,
// tts and comb are typically *mediatoolkit.Toolkit, *reference.Builder,
// *ttsclient.Client and *combiner.Combiner respectively.
func New(
	root *workspace.Root,
	fetcher Fetcher,
	tk toolkit,
	sep separator.Provider,
	refBuilder referenceBuilder,
	tts synthesizer,
	comb mixer,
	blobStore BlobStore,
	statusWriter StatusWriter,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		workspaceRoot: root,
		fetcher:       fetcher,
		toolkit:       tk,
		separator:     sep,
		refBuilder:    refBuilder,
		tts:           tts,
		combiner:      comb,
		blobStore:     blobStore,
		statusWriter:  statusWriter,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run executes every stage for envelope, reporting progress via onProgress.
// On any stage failure it marks the job failed in the status store and
// re-raises the error; the workspace is always released. On success it
// marks the job completed and returns the final URL.
func (p *Pipeline) Run(ctx context.Context, jobID string, envelope domain.JobEnvelope, onProgress ProgressFunc) (finalURL string, err error) {
	h, err := p.workspaceRoot.New("job")
	if err != nil {
		return "", fmt.Errorf("jobpipeline: create workspace: %w", err)
	}
	defer h.Release()

	tracker := &progressTracker{jobID: jobID, totalSteps: 7, fn: onProgress}

	defer func() {
		if err != nil {
			if markErr := p.statusWriter.MarkFailed(context.WithoutCancel(ctx), envelope.TranscreationID, failureReason(err)); markErr != nil {
				slog.Warn("jobpipeline: failed to mark job failed", "job_id", jobID, "err", markErr)
			}
		}
	}()

	originalPath, err := p.fetcher.Fetch(ctx, envelope.OriginalAudioURL, h)
	if err != nil {
		return "", fmt.Errorf("jobpipeline: fetch: %w", err)
	}
	normalizedPath := h.Path("original-normalized", ".wav")
	if err := p.toolkit.ToWav(ctx, originalPath, normalizedPath); err != nil {
		return "", fmt.Errorf("jobpipeline: normalize: %w", err)
	}
	tracker.emit(1, "fetch-and-normalize-original", percentFetch)

	if err := checkCancelled(ctx); err != nil {
		return "", err
	}

	sepResult, err := p.separator.Separate(ctx, normalizedPath, h)
	if err != nil {
		return "", fmt.Errorf("jobpipeline: separate: %w", err)
	}
	tracker.emit(2, "separate", percentSeparate)

	if err := checkCancelled(ctx); err != nil {
		return "", err
	}

	vocalsDur, err := p.toolkit.ProbeDuration(ctx, sepResult.VocalsPath)
	if err != nil {
		return "", fmt.Errorf("jobpipeline: probe vocals: %w", err)
	}
	speakerCloneNeeded := cloneNeededFunc(envelope.Segments)
	refs, err := p.refBuilder.Build(ctx, h, sepResult.VocalsPath, vocalsDur, envelope.Segments, speakerCloneNeeded)
	if err != nil {
		return "", fmt.Errorf("jobpipeline: build references: %w", err)
	}
	tracker.emit(3, "build-references", percentReferencesBuilt)

	if err := checkCancelled(ctx); err != nil {
		return "", err
	}

	requests := resolveVoices(envelope.Requests, envelope.Segments, p.defaultVoiceID, refs)
	speechPaths, err := p.tts.Batch(ctx, requests, envelope.TargetLanguage, h, func(done, total int) {
		frac := 0.0
		if total > 0 {
			frac = float64(done) / float64(total)
		}
		tracker.emit(4, "synthesize", percentReferencesBuilt+int(percentSynthesizeWeight*frac))
	})
	if err != nil {
		return "", fmt.Errorf("jobpipeline: synthesize: %w", err)
	}

	if err := checkCancelled(ctx); err != nil {
		return "", err
	}

	combinedPath, err := p.combiner.Combine(ctx, h, sepResult.AccompanimentPath, speechPaths, envelope.Segments)
	if err != nil {
		return "", fmt.Errorf("jobpipeline: combine: %w", err)
	}
	tracker.emit(5, "combine", percentCombine)

	if err := checkCancelled(ctx); err != nil {
		return "", err
	}

	url, err := p.blobStore.Upload(ctx, combinedPath)
	if err != nil {
		return "", fmt.Errorf("jobpipeline: upload: %w", err)
	}
	tracker.emit(6, "upload", percentUpload)

	if err := p.statusWriter.MarkCompleted(ctx, envelope.TranscreationID, url); err != nil {
		return "", fmt.Errorf("jobpipeline: mark completed: %w", err)
	}
	tracker.emit(7, "mark-completed", percentComplete)

	return url, nil
}

// cloneNeededFunc reports whether any segment for a speaker requests the
// cloning sentinel voice.
func cloneNeededFunc(segments []domain.TranscriptSegment) func(speaker string) bool {
	needsClone := make(map[string]bool)
	for _, s := range segments {
		if s.Voice == domain.VoiceClone {
			needsClone[s.Speaker] = true
		}
	}
	return func(speaker string) bool { return needsClone[speaker] }
}

// resolveVoices fills in each request's reference path or downgrades it to
// the default voice, using the speaker tag recorded on the originating segment.
func resolveVoices(requests []domain.TTSRequest, segments []domain.TranscriptSegment, defaultVoiceID string, refs reference.Map) []domain.TTSRequest {
	resolved := make([]domain.TTSRequest, len(requests))
	for i, req := range requests {
		speaker := ""
		if req.SegmentIndex >= 0 && req.SegmentIndex < len(segments) {
			speaker = segments[req.SegmentIndex].Speaker
		}
		req.Voice = ttsclient.ResolveVoice(req.Voice, speaker, defaultVoiceID, refs)
		resolved[i] = req
	}
	return resolved
}

// checkCancelled returns a [retargeterr.Error] of KindCancelled if ctx has
// been cancelled, implementing the "abandon at the next checkpoint" rule
// from spec.md §4.7.
func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return retargeterr.New(retargeterr.KindCancelled, "jobpipeline", "cancelled at stage checkpoint", ctx.Err())
	default:
		return nil
	}
}

// failureReason extracts the short, stable string stored as JobStatus.FailureReason.
func failureReason(err error) string {
	var e *retargeterr.Error
	if errors.As(err, &e) {
		return e.Reason()
	}
	return err.Error()
}

// progressTracker clamps emitted percentages to be monotonic non-decreasing
// within a job (spec.md §4.7).
type progressTracker struct {
	jobID      string
	totalSteps int
	lastPct    int
	fn         ProgressFunc
}

func (t *progressTracker) emit(step int, operation string, percent int) {
	if t.fn == nil {
		return
	}
	if percent < t.lastPct {
		percent = t.lastPct
	}
	t.lastPct = percent
	t.fn(domain.Progress{
		JobID:      t.jobID,
		StepIndex:  step,
		TotalSteps: t.totalSteps,
		Percent:    percent,
		Operation:  operation,
	})
}
