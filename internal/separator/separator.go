// Package separator runs an external source-separation helper process over a
// normalized wav file and returns the resulting vocals/accompaniment tracks
// (spec.md §4.3).
package separator

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/dubforge/retargetd/internal/retargeterr"
	"github.com/dubforge/retargetd/internal/workspace"
)

const (
	defaultTimeout  = 3 * time.Minute
	stderrTailBytes = 4096

	vocalsName        = "vocals.wav"
	accompanimentName = "accompaniment.wav"
)

// Result is the pair of tracks produced by separation.
type Result struct {
	VocalsPath        string
	AccompanimentPath string
}

// Provider runs source separation. The only production implementation is
// [Helper]; tests use a fake satisfying this interface.
type Provider interface {
	Separate(ctx context.Context, inputWav string, h *workspace.Handle) (Result, error)
}

// Option configures a [Helper].
type Option func(*Helper)

// WithBin sets the path to the separation helper binary. Defaults to
// "source-separate" (resolved via $PATH).
func WithBin(path string) Option {
	return func(h *Helper) { h.bin = path }
}

// WithTimeout sets the per-call wall-clock budget. Defaults to 3 minutes.
func WithTimeout(d time.Duration) Option {
	return func(h *Helper) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// Helper wraps an external source-separation process. It does not modify
// its input.
type Helper struct {
	bin     string
	timeout time.Duration
}

// New creates a Helper with sensible defaults, applying opts.
func New(opts ...Option) *Helper {
	h := &Helper{bin: "source-separate", timeout: defaultTimeout}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Separate runs the helper process against inputWav, writing vocals and
// accompaniment tracks into a fresh subdirectory of h's workspace handle.
// Fails with SeparationFailed (an ExternalToolFailed variant, component
// "separator") if the helper exits non-zero or its expected output files are
// missing afterward.
func (s *Helper) Separate(ctx context.Context, inputWav string, h *workspace.Handle) (Result, error) {
	outDir, err := h.Dir("separated")
	if err != nil {
		return Result{}, fmt.Errorf("separator: allocate output dir: %w", err)
	}

	vocals := filepath.Join(outDir, vocalsName)
	accompaniment := filepath.Join(outDir, accompanimentName)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.bin,
		"--input", inputWav,
		"--vocals-out", vocals,
		"--accompaniment-out", accompaniment,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{}, retargeterr.New(retargeterr.KindTimeout, "separator", "separation deadline exceeded", ctx.Err())
		}
		return Result{}, retargeterr.New(retargeterr.KindExternalToolFailed, "separator", tail(stderr.String(), stderrTailBytes), err)
	}

	if err := workspace.Verify(vocals); err != nil {
		return Result{}, retargeterr.New(retargeterr.KindExternalToolFailed, "separator", "missing vocals output after exit", err)
	}
	if err := workspace.Verify(accompaniment); err != nil {
		return Result{}, retargeterr.New(retargeterr.KindExternalToolFailed, "separator", "missing accompaniment output after exit", err)
	}

	return Result{VocalsPath: vocals, AccompanimentPath: accompaniment}, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
