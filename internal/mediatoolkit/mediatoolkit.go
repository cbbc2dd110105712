// Package mediatoolkit is a thin wrapper over an external transcoder binary
// (an ffmpeg-compatible CLI) providing the probe/convert/trim/stretch/
// concat/filter/mix/loudnorm operations the audio retargeting pipeline needs
// (spec.md §4.2). Every operation shells out via [os/exec] with explicit
// file paths; no implicit working directory is assumed, and failures are
// mapped to [retargeterr.KindExternalToolFailed] with the tail of stderr
// attached for diagnosis.
package mediatoolkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/dubforge/retargetd/internal/retargeterr"
)

const (
	// StretchMin and StretchMax clamp the time-stretch ratio (spec.md §4.2/§6).
	StretchMin = 0.5
	StretchMax = 2.0

	defaultSampleRate = 48000
	defaultTimeout    = 5 * time.Minute
	stderrTailBytes   = 4096
)

// Option configures a [Toolkit].
type Option func(*Toolkit)

// WithTranscoderBin sets the path to the ffmpeg-compatible transcoder binary.
// Defaults to "ffmpeg" (resolved via $PATH).
func WithTranscoderBin(path string) Option {
	return func(t *Toolkit) { t.transcoderBin = path }
}

// WithProbeBin sets the path to the ffprobe-compatible probe binary.
// Defaults to "ffprobe".
func WithProbeBin(path string) Option {
	return func(t *Toolkit) { t.probeBin = path }
}

// WithTimeout sets the per-call wall-clock budget. Defaults to 5 minutes
// (spec.md §5).
func WithTimeout(d time.Duration) Option {
	return func(t *Toolkit) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithSampleRate sets the default sample rate used by ToWav. Defaults to 48000.
func WithSampleRate(hz int) Option {
	return func(t *Toolkit) {
		if hz > 0 {
			t.sampleRate = hz
		}
	}
}

// Toolkit wraps the external transcoder binary. Safe for concurrent use;
// every call is a fresh subprocess.
type Toolkit struct {
	transcoderBin string
	probeBin      string
	timeout       time.Duration
	sampleRate    int
}

// New creates a Toolkit with sensible defaults, applying opts.
func New(opts ...Option) *Toolkit {
	t := &Toolkit{
		transcoderBin: "ffmpeg",
		probeBin:      "ffprobe",
		timeout:       defaultTimeout,
		sampleRate:    defaultSampleRate,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// run executes the transcoder binary with args and returns an
// ExternalToolFailed error with the stderr tail on non-zero exit.
func (t *Toolkit) run(ctx context.Context, component string, bin string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return retargeterr.New(retargeterr.KindTimeout, component, "transcoder deadline exceeded", ctx.Err())
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return retargeterr.New(retargeterr.KindCancelled, component, "cancelled", ctx.Err())
	}
	if err != nil {
		return retargeterr.New(retargeterr.KindExternalToolFailed, component, tail(stderr.String(), stderrTailBytes), err)
	}
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// ProbeDuration returns the duration in seconds of the media file at p.
// Fails with InvalidArtifact if the probe reports a non-positive duration.
func (t *Toolkit) ProbeDuration(ctx context.Context, p string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.probeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		p,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, retargeterr.New(retargeterr.KindExternalToolFailed, "probe", tail(stderr.String(), stderrTailBytes), err)
	}

	var probed struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &probed); err != nil {
		return 0, retargeterr.New(retargeterr.KindInvalidArtifact, "probe", "unparseable probe output", err)
	}
	dur, err := strconv.ParseFloat(probed.Format.Duration, 64)
	if err != nil || dur <= 0 {
		return 0, retargeterr.New(retargeterr.KindInvalidArtifact, "probe", fmt.Sprintf("non-positive duration for %s", p), err)
	}
	return dur, nil
}

// ToWav converts input to a PCM wav file at the toolkit's default sample
// rate. Calling it twice on the same input with the same configuration
// produces equivalent output (idempotent).
func (t *Toolkit) ToWav(ctx context.Context, input, output string) error {
	return t.run(ctx, "towav", t.transcoderBin,
		"-y", "-i", input,
		"-ar", strconv.Itoa(t.sampleRate),
		"-acodec", "pcm_s16le",
		output,
	)
}

// Trim cuts [startSec, startSec+durSec) from input into output, preserving codec.
func (t *Toolkit) Trim(ctx context.Context, input string, startSec, durSec float64, output string) error {
	return t.run(ctx, "trim", t.transcoderBin,
		"-y",
		"-ss", formatSeconds(startSec),
		"-t", formatSeconds(durSec),
		"-i", input,
		"-c", "copy",
		output,
	)
}

// StretchResult reports the ratio actually applied, which may be clamped
// away from the ratio the caller requested (spec.md §4.2).
type StretchResult struct {
	EffectiveRatio float64
	OutputPath     string
}

// Stretch time-stretches input so its duration approaches targetSec without
// altering pitch. The stretch ratio (targetSec/currentDur) is clamped to
// [StretchMin, StretchMax]; when the clamp binds, the output length will not
// equal targetSec and the caller is informed via EffectiveRatio for logging.
func (t *Toolkit) Stretch(ctx context.Context, input string, currentDur, targetSec float64, output string) (StretchResult, error) {
	if currentDur <= 0 {
		return StretchResult{}, retargeterr.New(retargeterr.KindInvalidArtifact, "stretch", "non-positive source duration", nil)
	}
	ratio := targetSec / currentDur
	clamped := clamp(ratio, StretchMin, StretchMax)

	// atempo only accepts factors in [0.5, 100.0] per-filter; our clamp range
	// already fits within a single atempo stage.
	filter := fmt.Sprintf("atempo=%s", formatRatio(1 / clamped))
	if err := t.run(ctx, "stretch", t.transcoderBin,
		"-y", "-i", input,
		"-filter:a", filter,
		output,
	); err != nil {
		return StretchResult{}, err
	}
	return StretchResult{EffectiveRatio: clamped, OutputPath: output}, nil
}

// Concat losslessly concatenates the files in list (in order) into output
// using the demux-concat method. list must be non-empty.
func (t *Toolkit) Concat(ctx context.Context, list []string, output string) error {
	if len(list) == 0 {
		return retargeterr.New(retargeterr.KindInvalidArtifact, "concat", "empty input list", nil)
	}

	var manifest strings.Builder
	for _, p := range list {
		fmt.Fprintf(&manifest, "file '%s'\n", escapeConcatPath(p))
	}

	listFile, err := writeTempManifest(manifest.String())
	if err != nil {
		return retargeterr.New(retargeterr.KindExternalToolFailed, "concat", "failed to write concat manifest", err)
	}
	defer removeQuiet(listFile)

	return t.run(ctx, "concat", t.transcoderBin,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-c", "copy",
		output,
	)
}

// Filter applies a declarative ffmpeg-style audio filter chain (e.g.
// "highpass=f=70,lowpass=f=12000,loudnorm=I=-16:TP=-1.5:LRA=11") to input.
func (t *Toolkit) Filter(ctx context.Context, input, chain, output string) error {
	return t.run(ctx, "filter", t.transcoderBin,
		"-y", "-i", input,
		"-af", chain,
		output,
	)
}

// MixInput is one track in a [Toolkit.Mix] call.
type MixInput struct {
	Path    string
	DelayMS int64
	Weight  float64
}

// Mix builds a single-pass mix of inputs, delaying each by its DelayMS and
// scaling it by its Weight, summed onto a common timeline. Output sample
// rate and channel layout match the first input.
func (t *Toolkit) Mix(ctx context.Context, inputs []MixInput, output string) error {
	if len(inputs) == 0 {
		return retargeterr.New(retargeterr.KindInvalidArtifact, "mix", "no inputs", nil)
	}

	args := []string{"-y"}
	for _, in := range inputs {
		args = append(args, "-i", in.Path)
	}

	var fc strings.Builder
	labels := make([]string, len(inputs))
	for i, in := range inputs {
		label := fmt.Sprintf("m%d", i)
		labels[i] = "[" + label + "]"
		delay := in.DelayMS
		if delay < 0 {
			delay = 0
		}
		fmt.Fprintf(&fc, "[%d:a]adelay=%d|%d,volume=%s[%s];", i, delay, delay, formatRatio(in.Weight), label)
	}
	fmt.Fprintf(&fc, "%samix=inputs=%d:duration=first:normalize=0[aout]", strings.Join(labels, ""), len(inputs))

	args = append(args, "-filter_complex", fc.String(), "-map", "[aout]", output)
	return t.run(ctx, "mix", t.transcoderBin, args...)
}

// LoudnormResult reports whether the two-pass analysis succeeded.
type LoudnormResult struct {
	TwoPassUsed bool
}

// Loudnorm applies broadcast loudness normalization to input targeting
// integrated loudness I (LUFS), true peak TP (dBTP), and loudness range LRA.
// It attempts a two-pass analysis; if the analysis JSON fails to parse, it
// falls back to single-pass normalization without treating that as an error.
func (t *Toolkit) Loudnorm(ctx context.Context, input string, i, tp, lra float64, output string) (LoudnormResult, error) {
	stats, err := t.loudnormAnalyze(ctx, input, i, tp, lra)
	if err != nil {
		// Analysis failure is a warning, not a fatal error: fall back to single-pass.
		if singleErr := t.loudnormSinglePass(ctx, input, i, tp, lra, output); singleErr != nil {
			return LoudnormResult{}, singleErr
		}
		return LoudnormResult{TwoPassUsed: false}, nil
	}

	chain := fmt.Sprintf(
		"loudnorm=I=%s:TP=%s:LRA=%s:measured_I=%s:measured_TP=%s:measured_LRA=%s:measured_thresh=%s:offset=%s:linear=true:print_format=summary",
		formatRatio(i), formatRatio(tp), formatRatio(lra),
		stats.InputI, stats.InputTP, stats.InputLRA, stats.InputThresh, stats.TargetOffset,
	)
	if err := t.run(ctx, "loudnorm", t.transcoderBin, "-y", "-i", input, "-af", chain, output); err != nil {
		return LoudnormResult{}, err
	}
	return LoudnormResult{TwoPassUsed: true}, nil
}

type loudnormStats struct {
	InputI       string `json:"input_i"`
	InputTP      string `json:"input_tp"`
	InputLRA     string `json:"input_lra"`
	InputThresh  string `json:"input_thresh"`
	TargetOffset string `json:"target_offset"`
}

func (t *Toolkit) loudnormAnalyze(ctx context.Context, input string, i, tp, lra float64) (*loudnormStats, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	chain := fmt.Sprintf("loudnorm=I=%s:TP=%s:LRA=%s:print_format=json", formatRatio(i), formatRatio(tp), formatRatio(lra))
	cmd := exec.CommandContext(ctx, t.transcoderBin, "-i", input, "-af", chain, "-f", "null", "-")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("loudnorm analysis: %w", err)
	}

	jsonStart := strings.LastIndex(stderr.String(), "{")
	if jsonStart < 0 {
		return nil, errors.New("loudnorm analysis: no JSON stats in stderr")
	}
	var stats loudnormStats
	if err := json.Unmarshal([]byte(stderr.String()[jsonStart:]), &stats); err != nil {
		return nil, fmt.Errorf("loudnorm analysis: parse stats: %w", err)
	}
	return &stats, nil
}

func (t *Toolkit) loudnormSinglePass(ctx context.Context, input string, i, tp, lra float64, output string) error {
	chain := fmt.Sprintf("loudnorm=I=%s:TP=%s:LRA=%s", formatRatio(i), formatRatio(tp), formatRatio(lra))
	return t.run(ctx, "loudnorm", t.transcoderBin, "-y", "-i", input, "-af", chain, output)
}

// writeTempManifest writes content to a fresh temp file and returns its path.
func writeTempManifest(content string) (string, error) {
	f, err := os.CreateTemp("", "concat-*.txt")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		// best-effort cleanup of the concat manifest; nothing to do on failure
	}
}

// escapeConcatPath escapes single quotes per the concat demuxer's file
// directive syntax (`file '<path>'`).
func escapeConcatPath(p string) string {
	return strings.ReplaceAll(p, "'", `'\''`)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func formatRatio(r float64) string {
	return strconv.FormatFloat(r, 'f', 4, 64)
}
