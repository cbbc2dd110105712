package jobpipeline

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/dubforge/retargetd/internal/domain"
	"github.com/dubforge/retargetd/internal/reference"
	"github.com/dubforge/retargetd/internal/retargeterr"
	"github.com/dubforge/retargetd/internal/separator"
	"github.com/dubforge/retargetd/internal/workspace"
)

type fakeFetcher struct{ path string }

func (f *fakeFetcher) Fetch(ctx context.Context, url string, h *workspace.Handle) (string, error) {
	return f.path, nil
}

type fakeToolkit struct{ failNormalize bool }

func (f *fakeToolkit) ToWav(ctx context.Context, input, output string) error {
	if f.failNormalize {
		return errors.New("boom")
	}
	return os.WriteFile(output, []byte("wav"), 0o644)
}

func (f *fakeToolkit) ProbeDuration(ctx context.Context, path string) (float64, error) {
	return 10, nil
}

type fakeSeparator struct{ result separator.Result }

func (f *fakeSeparator) Separate(ctx context.Context, inputWav string, h *workspace.Handle) (separator.Result, error) {
	return f.result, nil
}

type fakeRefBuilder struct{ refs reference.Map }

func (f *fakeRefBuilder) Build(ctx context.Context, h *workspace.Handle, vocalsPath string, vocalsDurSec float64, segments []domain.TranscriptSegment, needsClone func(string) bool) (reference.Map, error) {
	return f.refs, nil
}

type fakeSynthesizer struct {
	paths    []string
	progress []int
}

func (f *fakeSynthesizer) Batch(ctx context.Context, requests []domain.TTSRequest, defaultLanguageCode string, h *workspace.Handle, onProgress func(done, total int)) ([]string, error) {
	for i := range requests {
		if onProgress != nil {
			onProgress(i+1, len(requests))
		}
	}
	return f.paths, nil
}

type fakeMixer struct{ out string }

func (f *fakeMixer) Combine(ctx context.Context, h *workspace.Handle, backgroundPath string, speechPaths []string, segments []domain.TranscriptSegment) (string, error) {
	return f.out, nil
}

type fakeBlobStore struct{ url string }

func (f *fakeBlobStore) Upload(ctx context.Context, localPath string) (string, error) {
	return f.url, nil
}

type fakeStatusWriter struct {
	completedURL string
	failedReason string
}

func (f *fakeStatusWriter) MarkCompleted(ctx context.Context, transcreationID, finalURL string) error {
	f.completedURL = finalURL
	return nil
}

func (f *fakeStatusWriter) MarkFailed(ctx context.Context, transcreationID, reason string) error {
	f.failedReason = reason
	return nil
}

func newTestWorkspaceRoot(t *testing.T) *workspace.Root {
	t.Helper()
	root, err := workspace.NewRoot(t.TempDir())
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	return root
}

func newTestEnvelope() domain.JobEnvelope {
	return domain.JobEnvelope{
		TranscreationID:  "transcreation-1",
		OriginalAudioURL: "https://example.com/source.mp4",
		TargetLanguage:   "es",
		Segments: []domain.TranscriptSegment{
			{StartMS: 0, EndMS: 1000, Speaker: "a", TextTranslated: "hola"},
			{StartMS: 1500, EndMS: 2500, Speaker: "b", TextTranslated: "adios"},
		},
		Requests: []domain.TTSRequest{
			{SegmentIndex: 0, Text: "hola"},
			{SegmentIndex: 1, Text: "adios"},
		},
	}
}

func TestRunSucceedsAndMarksCompleted(t *testing.T) {
	root := newTestWorkspaceRoot(t)
	statusWriter := &fakeStatusWriter{}
	blobStore := &fakeBlobStore{url: "https://blob.example.com/final.wav"}

	var recorded []domain.Progress
	p := New(
		root,
		&fakeFetcher{path: "/tmp/source.mp4"},
		&fakeToolkit{},
		&fakeSeparator{result: separator.Result{VocalsPath: "/tmp/vocals.wav", AccompanimentPath: "/tmp/accomp.wav"}},
		&fakeRefBuilder{refs: reference.Map{}},
		&fakeSynthesizer{paths: []string{"/tmp/s1.wav", "/tmp/s2.wav"}},
		&fakeMixer{out: "/tmp/final.wav"},
		blobStore,
		statusWriter,
	)

	url, err := p.Run(context.Background(), "job-1", newTestEnvelope(), func(pr domain.Progress) {
		recorded = append(recorded, pr)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if url != blobStore.url {
		t.Errorf("expected returned url %q, got %q", blobStore.url, url)
	}
	if statusWriter.completedURL != blobStore.url {
		t.Errorf("expected MarkCompleted called with %q, got %q", blobStore.url, statusWriter.completedURL)
	}
	if statusWriter.failedReason != "" {
		t.Errorf("expected no failure reason, got %q", statusWriter.failedReason)
	}
	if len(recorded) == 0 {
		t.Fatal("expected progress events")
	}
	last := recorded[len(recorded)-1]
	if last.Percent != 100 {
		t.Errorf("expected final percent 100, got %d", last.Percent)
	}
	for i := 1; i < len(recorded); i++ {
		if recorded[i].Percent < recorded[i-1].Percent {
			t.Fatalf("progress not monotonic: %d then %d", recorded[i-1].Percent, recorded[i].Percent)
		}
	}
}

func TestRunMarksFailedOnStageError(t *testing.T) {
	root := newTestWorkspaceRoot(t)
	statusWriter := &fakeStatusWriter{}

	p := New(
		root,
		&fakeFetcher{path: "/tmp/source.mp4"},
		&fakeToolkit{failNormalize: true},
		&fakeSeparator{},
		&fakeRefBuilder{},
		&fakeSynthesizer{},
		&fakeMixer{},
		&fakeBlobStore{},
		statusWriter,
	)

	_, err := p.Run(context.Background(), "job-2", newTestEnvelope(), nil)
	if err == nil {
		t.Fatal("expected error from normalize stage")
	}
	if statusWriter.failedReason == "" {
		t.Error("expected MarkFailed to be called with a reason")
	}
}

func TestRunAbandonsAtCheckpointWhenCancelled(t *testing.T) {
	root := newTestWorkspaceRoot(t)
	statusWriter := &fakeStatusWriter{}

	p := New(
		root,
		&fakeFetcher{path: "/tmp/source.mp4"},
		&fakeToolkit{},
		&fakeSeparator{result: separator.Result{VocalsPath: "/tmp/vocals.wav", AccompanimentPath: "/tmp/accomp.wav"}},
		&fakeRefBuilder{},
		&fakeSynthesizer{},
		&fakeMixer{},
		&fakeBlobStore{},
		statusWriter,
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Run(ctx, "job-3", newTestEnvelope(), nil)
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if !retargeterr.Is(err, retargeterr.KindCancelled) {
		t.Errorf("expected KindCancelled, got %v", err)
	}
}

func TestFailureReasonUsesRetargetErrReason(t *testing.T) {
	base := errors.New("exit status 1: no such filter")
	wrapped := retargeterr.New(retargeterr.KindExternalToolFailed, "transcoder", "loudnorm pass failed", base)
	if got := failureReason(wrapped); got != wrapped.Reason() {
		t.Errorf("expected %q, got %q", wrapped.Reason(), got)
	}
}

func TestFailureReasonFallsBackToPlainError(t *testing.T) {
	err := errors.New("plain failure")
	if got := failureReason(err); got != "plain failure" {
		t.Errorf("expected plain error string, got %q", got)
	}
}
