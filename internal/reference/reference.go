// Package reference builds one clean reference clip per speaker from a
// job's vocals track, for use as TTS voice-cloning input (spec.md §4.4).
package reference

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dubforge/retargetd/internal/domain"
	"github.com/dubforge/retargetd/internal/mediatoolkit"
	"github.com/dubforge/retargetd/internal/workspace"
)

const (
	minSegmentDuration   = 500 * time.Millisecond
	minSummedDuration    = 10 * time.Second
	widenPad             = 1 * time.Second
	fallbackSliceLength  = 40 * time.Second
	postFilterChain      = "highpass=f=70,lowpass=f=12000,afftdn=nr=12,loudnorm=I=-16:TP=-1.5:LRA=11"
	topNWidenCandidates  = 5
)

// Map is the SpeakerReferenceMap: one entry per distinct speaker that needs
// a cloning reference, built once and never mutated afterward.
type Map map[string]string

// audioToolkit is the subset of [mediatoolkit.Toolkit] the builder needs;
// narrowed to an interface so tests can substitute a fake.
type audioToolkit interface {
	ProbeDuration(ctx context.Context, p string) (float64, error)
	Trim(ctx context.Context, input string, startSec, durSec float64, output string) error
	Concat(ctx context.Context, list []string, output string) error
	Filter(ctx context.Context, input, chain, output string) error
}

// Builder builds speaker reference clips from a vocals track.
type Builder struct {
	toolkit audioToolkit
}

// New creates a Builder using tk for all audio operations.
func New(tk *mediatoolkit.Toolkit) *Builder {
	return &Builder{toolkit: tk}
}

type segmentRef struct {
	speaker  string
	startSec float64
	endSec   float64
}

func (s segmentRef) duration() float64 { return s.endSec - s.startSec }

// Build produces a Map covering every speaker in segments that has at least
// one request selecting VoiceClone, following the selection policy in
// spec.md §4.4. vocalsPath is never modified. vocalsDurSec is the probed
// duration of the vocals track, used for the whole-file fallback slice.
func (b *Builder) Build(ctx context.Context, h *workspace.Handle, vocalsPath string, vocalsDurSec float64, segments []domain.TranscriptSegment, needsClone func(speaker string) bool) (Map, error) {
	bySpeaker := make(map[string][]segmentRef)
	var speakerOrder []string
	speakers := make(map[string]struct{})

	for _, seg := range segments {
		if seg.Speaker == "" || !needsClone(seg.Speaker) {
			continue
		}
		if _, seen := speakers[seg.Speaker]; !seen {
			speakers[seg.Speaker] = struct{}{}
			speakerOrder = append(speakerOrder, seg.Speaker)
		}
		bySpeaker[seg.Speaker] = append(bySpeaker[seg.Speaker], segmentRef{
			speaker:  seg.Speaker,
			startSec: float64(seg.StartMS) / 1000,
			endSec:   float64(seg.EndMS) / 1000,
		})
	}

	result := make(Map, len(speakerOrder))
	singleSpeaker := len(speakerOrder) == 1

	for _, speaker := range speakerOrder {
		refs := bySpeaker[speaker]
		sort.Slice(refs, func(i, j int) bool { return refs[i].startSec < refs[j].startSec })

		path, err := b.buildOne(ctx, h, vocalsPath, vocalsDurSec, speaker, refs, singleSpeaker)
		if err != nil {
			return nil, fmt.Errorf("reference: speaker %q: %w", speaker, err)
		}
		result[speaker] = path
	}

	return result, nil
}

func (b *Builder) buildOne(ctx context.Context, h *workspace.Handle, vocalsPath string, vocalsDurSec float64, speaker string, refs []segmentRef, singleSpeaker bool) (string, error) {
	if !singleSpeaker {
		eligible := make([]segmentRef, 0, len(refs))
		for _, r := range refs {
			if r.duration() >= minSegmentDuration.Seconds() {
				eligible = append(eligible, r)
			}
		}

		clips, err := b.extractAll(ctx, h, vocalsPath, eligible)
		if err != nil {
			return "", err
		}
		if summed(eligible) >= minSummedDuration.Seconds() && len(clips) > 0 {
			return b.finish(ctx, h, clips)
		}

		widened := widen(topLongest(eligible, topNWidenCandidates), widenPad.Seconds(), vocalsDurSec)
		if len(widened) > 0 {
			clips, err := b.extractAll(ctx, h, vocalsPath, widened)
			if err != nil {
				return "", err
			}
			if len(clips) > 0 {
				return b.finish(ctx, h, clips)
			}
		}
	}

	// Fallback: centered slice of the whole vocals track (or single-speaker shortcut).
	start, end := centeredSlice(vocalsDurSec, fallbackSliceLength.Seconds())
	clip := h.Path(fmt.Sprintf("ref-%s-fallback", speaker), ".wav")
	if err := b.toolkit.Trim(ctx, vocalsPath, start, end-start, clip); err != nil {
		return "", err
	}
	return b.finish(ctx, h, []string{clip})
}

func (b *Builder) extractAll(ctx context.Context, h *workspace.Handle, vocalsPath string, refs []segmentRef) ([]string, error) {
	clips := make([]string, 0, len(refs))
	for _, r := range refs {
		clip := h.Path(fmt.Sprintf("ref-%s-seg", r.speaker), ".wav")
		if err := b.toolkit.Trim(ctx, vocalsPath, r.startSec, r.duration(), clip); err != nil {
			continue // discard clips that fail to extract, per §4.4 step 2
		}
		if _, err := b.toolkit.ProbeDuration(ctx, clip); err != nil {
			continue
		}
		clips = append(clips, clip)
	}
	return clips, nil
}

// finish concatenates clips (if more than one) and applies the mild
// post-processing filter chain, verifying the result.
func (b *Builder) finish(ctx context.Context, h *workspace.Handle, clips []string) (string, error) {
	src := clips[0]
	if len(clips) > 1 {
		concatenated := h.Path("ref-concat", ".wav")
		if err := b.toolkit.Concat(ctx, clips, concatenated); err != nil {
			return "", err
		}
		src = concatenated
	}

	filtered := h.Path("ref-filtered", ".wav")
	if err := b.toolkit.Filter(ctx, src, postFilterChain, filtered); err != nil {
		return "", err
	}
	if err := workspace.Verify(filtered); err != nil {
		return "", err
	}
	return filtered, nil
}

func summed(refs []segmentRef) float64 {
	var total float64
	for _, r := range refs {
		total += r.duration()
	}
	return total
}

func topLongest(refs []segmentRef, n int) []segmentRef {
	sorted := append([]segmentRef(nil), refs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].duration() > sorted[j].duration() })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func widen(refs []segmentRef, padSec, boundSec float64) []segmentRef {
	widened := make([]segmentRef, len(refs))
	for i, r := range refs {
		start := r.startSec - padSec
		if start < 0 {
			start = 0
		}
		end := r.endSec + padSec
		if end > boundSec {
			end = boundSec
		}
		widened[i] = segmentRef{speaker: r.speaker, startSec: start, endSec: end}
	}
	return widened
}

func centeredSlice(totalSec, lengthSec float64) (start, end float64) {
	if totalSec <= lengthSec {
		return 0, totalSec
	}
	start = (totalSec - lengthSec) / 2
	return start, start + lengthSec
}
