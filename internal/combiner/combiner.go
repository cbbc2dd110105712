// Package combiner positions synthesized speech segments onto a background
// track's timeline and mixes them down to a single file (spec.md §4.6).
//
// The overlap-resolution and placement bookkeeping is the offline analogue
// of a live priority-scheduling heap: instead of preempting a playing
// segment, the combiner computes the final schedule up front (sorted by
// start, adjusted for overlap) and hands the result to a single mix call.
package combiner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/dubforge/retargetd/internal/domain"
	"github.com/dubforge/retargetd/internal/mediatoolkit"
	"github.com/dubforge/retargetd/internal/workspace"
)

const (
	defaultMinGapSec     = 0.100
	defaultMinSegmentSec = 0.100
	defaultBgWeight      = 0.4
	defaultSpWeight      = 1.0
	defaultTargetLUFS    = -16
	defaultTruePeakDB    = -1.5
	defaultLRA           = 11

	durationEpsilonSec = 0.03 // spec.md §4.2 stretch tolerance
)

// toolkit narrows *mediatoolkit.Toolkit to what the combiner needs, for testability.
type toolkit interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
	Stretch(ctx context.Context, input string, currentDur, targetSec float64, output string) (mediatoolkit.StretchResult, error)
	Mix(ctx context.Context, inputs []mediatoolkit.MixInput, output string) error
	Trim(ctx context.Context, input string, startSec, durSec float64, output string) error
	Loudnorm(ctx context.Context, input string, i, tp, lra float64, output string) (mediatoolkit.LoudnormResult, error)
}

// Option configures a [Combiner].
type Option func(*Combiner)

// WithGaps sets the minimum gap enforced between consecutive segments and
// the minimum surviving segment duration after overlap resolution, both in
// milliseconds.
func WithGaps(minGapMS, minSegmentMS int64) Option {
	return func(c *Combiner) {
		if minGapMS >= 0 {
			c.minGapSec = float64(minGapMS) / 1000
		}
		if minSegmentMS >= 0 {
			c.minSegmentSec = float64(minSegmentMS) / 1000
		}
	}
}

// WithWeights sets the background and speech mix weights.
func WithWeights(bg, sp float64) Option {
	return func(c *Combiner) {
		if bg > 0 {
			c.bgWeight = bg
		}
		if sp > 0 {
			c.spWeight = sp
		}
	}
}

// WithLoudnorm sets the final loudness-normalization target. Disabled with
// WithLoudnormDisabled.
func WithLoudnorm(i, tp, lra float64) Option {
	return func(c *Combiner) {
		c.targetLUFS, c.truePeakDB, c.lra = i, tp, lra
	}
}

// WithLoudnormDisabled skips the final loudnorm pass (§4.6 step 7 is optional).
func WithLoudnormDisabled() Option {
	return func(c *Combiner) { c.skipLoudnorm = true }
}

// Combiner positions synthesized segments onto a background track's
// timeline and mixes the result (spec.md §4.6).
type Combiner struct {
	toolkit       toolkit
	minGapSec     float64
	minSegmentSec float64
	bgWeight      float64
	spWeight      float64
	targetLUFS    float64
	truePeakDB    float64
	lra           float64
	skipLoudnorm  bool
}

// New creates a Combiner wrapping tk (typically a [*mediatoolkit.Toolkit]).
func New(tk *mediatoolkit.Toolkit, opts ...Option) *Combiner {
	c := &Combiner{
		toolkit:       tk,
		minGapSec:     defaultMinGapSec,
		minSegmentSec: defaultMinSegmentSec,
		bgWeight:      defaultBgWeight,
		spWeight:      defaultSpWeight,
		targetLUFS:    defaultTargetLUFS,
		truePeakDB:    defaultTruePeakDB,
		lra:           defaultLRA,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// placed is a segment's position after overlap resolution, keyed back to
// its originating transcript/speech index.
type placed struct {
	index           int
	startSec        float64
	endSec          float64
	dropped         bool
}

func (p placed) durationSec() float64 { return p.endSec - p.startSec }

// Combine positions speechPaths[i] (the synthesis output for segments[i])
// onto backgroundPath's timeline and mixes them down. It returns the final
// wav path, registered in h.
func (c *Combiner) Combine(ctx context.Context, h *workspace.Handle, backgroundPath string, speechPaths []string, segments []domain.TranscriptSegment) (string, error) {
	if len(speechPaths) != len(segments) {
		return "", fmt.Errorf("combiner: speechPaths (%d) and segments (%d) length mismatch", len(speechPaths), len(segments))
	}

	bgDur, err := c.toolkit.ProbeDuration(ctx, backgroundPath)
	if err != nil {
		return "", fmt.Errorf("combiner: probe background: %w", err)
	}

	placements := c.buildPlacements(segments)
	placements = c.resolveOverlaps(placements)

	inputs := []mediatoolkit.MixInput{{Path: backgroundPath, DelayMS: 0, Weight: c.bgWeight}}
	for _, p := range placements {
		if p.dropped {
			continue
		}
		fittedPath, err := c.fitDuration(ctx, h, speechPaths[p.index], p.durationSec())
		if err != nil {
			return "", fmt.Errorf("combiner: fit segment %d: %w", p.index, err)
		}
		inputs = append(inputs, mediatoolkit.MixInput{
			Path:    fittedPath,
			DelayMS: int64(math.Round(p.startSec * 1000)),
			Weight:  c.spWeight,
		})
	}

	mixed := h.Path("combined-mix", ".wav")
	if err := c.toolkit.Mix(ctx, inputs, mixed); err != nil {
		return "", fmt.Errorf("combiner: mix: %w", err)
	}

	truncated := h.Path("combined-truncated", ".wav")
	if err := c.toolkit.Trim(ctx, mixed, 0, bgDur, truncated); err != nil {
		return "", fmt.Errorf("combiner: truncate to background length: %w", err)
	}

	if c.skipLoudnorm {
		return truncated, nil
	}

	final := h.Path("combined-final", ".wav")
	if _, err := c.toolkit.Loudnorm(ctx, truncated, c.targetLUFS, c.truePeakDB, c.lra, final); err != nil {
		return "", fmt.Errorf("combiner: final loudnorm: %w", err)
	}
	return final, nil
}

// buildPlacements converts segments to seconds and sorts by start time,
// preserving the original index for the sound-to-text mapping.
func (c *Combiner) buildPlacements(segments []domain.TranscriptSegment) []placed {
	placements := make([]placed, len(segments))
	for i, s := range segments {
		placements[i] = placed{
			index:    i,
			startSec: float64(s.StartMS) / 1000,
			endSec:   float64(s.EndMS) / 1000,
		}
	}
	sort.SliceStable(placements, func(i, j int) bool {
		return placements[i].startSec < placements[j].startSec
	})
	return placements
}

// resolveOverlaps applies spec.md §4.6 step 3: for consecutive pairs whose
// gap is under minGapSec, truncate the longer-duration segment or delay the
// later one; segments left with duration at or below minSegmentSec are dropped.
func (c *Combiner) resolveOverlaps(placements []placed) []placed {
	for i := 0; i+1 < len(placements); i++ {
		a, b := &placements[i], &placements[i+1]
		if a.dropped || b.dropped {
			continue
		}
		if a.endSec+c.minGapSec > b.startSec {
			if a.durationSec() > b.durationSec() {
				a.endSec = b.startSec - c.minGapSec
			} else {
				delta := a.endSec + c.minGapSec - b.startSec
				b.startSec += delta
				b.endSec += delta
			}
		}
	}
	survivors := placements[:0]
	for _, p := range placements {
		if !p.dropped && p.durationSec() <= c.minSegmentSec {
			slog.Warn("combiner: dropping segment after overlap resolution", "index", p.index, "duration_sec", p.durationSec())
			p.dropped = true
		}
		survivors = append(survivors, p)
	}
	return survivors
}

// fitDuration conforms a synthesized clip to its allotted slot via
// Toolkit.Stretch, accepting overrun when the stretch ratio clamps.
func (c *Combiner) fitDuration(ctx context.Context, h *workspace.Handle, speechPath string, targetSec float64) (string, error) {
	currentDur, err := c.toolkit.ProbeDuration(ctx, speechPath)
	if err != nil {
		return "", fmt.Errorf("probe synthesized clip: %w", err)
	}
	if math.Abs(currentDur-targetSec) <= durationEpsilonSec {
		return speechPath, nil
	}
	out := h.Path("fitted-segment", ".wav")
	result, err := c.toolkit.Stretch(ctx, speechPath, currentDur, targetSec, out)
	if err != nil {
		return "", fmt.Errorf("stretch: %w", err)
	}
	if result.EffectiveRatio <= mediatoolkit.StretchMin+1e-9 || result.EffectiveRatio >= mediatoolkit.StretchMax-1e-9 {
		slog.Warn("combiner: stretch ratio clamped, accepting overrun", "target_sec", targetSec, "effective_ratio", result.EffectiveRatio)
	}
	return result.OutputPath, nil
}
