// Package ttsclient provides the bounded-concurrency, retrying batch client
// described in spec.md §4.5: it maps ordered TTSRequests to synthesized wav
// files, downgrading cloning requests with no reference clip to a default
// voice rather than failing the segment.
package ttsclient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dubforge/retargetd/internal/domain"
	"github.com/dubforge/retargetd/internal/workspace"
	"github.com/dubforge/retargetd/pkg/provider/tts"
)

const (
	defaultConcurrency  = 5
	defaultChunkSize    = 5
	defaultMaxAttempts  = 3
	defaultBaseBackoff  = 1 * time.Second
	defaultFactor       = 2.0
	defaultRequestBudget = 20 * time.Minute
)

// SynthesisError is the TTSFailed variant of spec.md §7's error taxonomy. It
// carries the originating request index, whether the caller's retry policy
// already exhausted its attempts (Retryable reports whether another attempt
// would have been worth trying, not whether one remains), and the vendor's
// HTTP status when one was observed.
type SynthesisError struct {
	RequestIndex   int
	Retryable      bool
	UpstreamStatus int
	Err            error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("tts: request %d failed (status=%d retryable=%v): %v", e.RequestIndex, e.UpstreamStatus, e.Retryable, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Option configures a [Client].
type Option func(*Client)

// WithConcurrency sets the maximum number of in-flight vendor calls.
func WithConcurrency(k int) Option {
	return func(c *Client) {
		if k > 0 {
			c.concurrency.Store(int64(k))
		}
	}
}

// WithChunkSize sets the batch chunk size; each chunk is fully awaited
// before the next begins (spec.md §4.5).
func WithChunkSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize.Store(int64(n))
		}
	}
}

// WithDefaultVoice sets the vendor voice id used when cloning is
// downgraded.
func WithDefaultVoice(id string) Option {
	return func(c *Client) { c.defaultVoiceID = id }
}

// WithRequestTimeout sets the per-request wall-clock budget. Defaults to 20 minutes.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestBudget = d
		}
	}
}

// WithRetry overrides the retry policy. Defaults to 3 attempts, 1s base, factor 2.
func WithRetry(maxAttempts int, base time.Duration, factor float64) Option {
	return func(c *Client) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if base > 0 {
			c.baseBackoff = base
		}
		if factor > 0 {
			c.factor = factor
		}
	}
}

// Client maps ordered TTSRequests to synthesized wav files under a
// workspace handle, enforcing bounded concurrency and retry/backoff.
//
// sem and chunkSize are held behind atomics rather than the plain ints the
// rest of the client's options use: [Client.SetConcurrency] and
// [Client.SetChunkSize] let the config Watcher retune a running client
// without restarting the queue's worker pool.
type Client struct {
	provider       tts.Provider
	sem            atomic.Pointer[semaphore.Weighted]
	concurrency    atomic.Int64
	chunkSize      atomic.Int64
	defaultVoiceID string
	maxAttempts    int
	baseBackoff    time.Duration
	factor         float64
	requestBudget  time.Duration
}

// New creates a Client wrapping provider (typically a [resilience.TTSFallback]
// for retry/circuit-breaking across vendor backends).
func New(provider tts.Provider, opts ...Option) *Client {
	c := &Client{
		provider:      provider,
		maxAttempts:   defaultMaxAttempts,
		baseBackoff:   defaultBaseBackoff,
		factor:        defaultFactor,
		requestBudget: defaultRequestBudget,
	}
	c.concurrency.Store(defaultConcurrency)
	c.chunkSize.Store(defaultChunkSize)
	for _, o := range opts {
		o(c)
	}
	c.sem.Store(semaphore.NewWeighted(c.concurrency.Load()))
	return c
}

// SetConcurrency retunes the maximum number of in-flight vendor calls. A
// request already holding a token from the previous semaphore keeps running
// to completion; only calls made after this returns are gated by the new
// limit.
func (c *Client) SetConcurrency(k int) {
	if k <= 0 {
		return
	}
	c.concurrency.Store(int64(k))
	c.sem.Store(semaphore.NewWeighted(int64(k)))
}

// SetChunkSize retunes the batch chunk size applied to the next [Client.Batch] call.
func (c *Client) SetChunkSize(n int) {
	if n <= 0 {
		return
	}
	c.chunkSize.Store(int64(n))
}

// neutralEmotion is sent when a request carries no emotion weights.
func neutralEmotion() map[string]float64 {
	return map[string]float64{"neutral": 1.0}
}

// Synthesize performs a single request, already voice-resolved via
// [ResolveVoice], honoring the concurrency token, per-request timeout, and
// retry/backoff policy. The result is written to a fresh file in h and the
// path is returned.
func (c *Client) Synthesize(ctx context.Context, req domain.TTSRequest, defaultLanguageCode string, h *workspace.Handle) (string, error) {
	sem := c.sem.Load()
	if err := sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("ttsclient: acquire concurrency slot: %w", err)
	}
	defer sem.Release(1)

	vendorReq, err := c.buildVendorRequest(req, defaultLanguageCode)
	if err != nil {
		return "", &SynthesisError{RequestIndex: req.SegmentIndex, Retryable: false, Err: err}
	}

	audio, err := c.callWithRetry(ctx, req.SegmentIndex, vendorReq)
	if err != nil {
		return "", err
	}

	ext := ".wav"
	if req.OutputFormat != "" {
		ext = "." + req.OutputFormat
	}
	path := h.Path(fmt.Sprintf("tts-seg%d", req.SegmentIndex), ext)
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return "", fmt.Errorf("ttsclient: write output: %w", err)
	}
	return path, nil
}

func (c *Client) buildVendorRequest(req domain.TTSRequest, defaultLanguageCode string) (tts.Request, error) {
	lang := req.LanguageCode
	if lang == "" {
		lang = defaultLanguageCode
	}
	emotion := req.Emotion
	if len(emotion) == 0 {
		emotion = neutralEmotion()
	}

	vendorReq := tts.Request{
		Text:         req.Text,
		LanguageCode: lang,
		Emotion:      emotion,
		OutputFormat: req.OutputFormat,
	}

	switch req.Voice.Kind {
	case domain.VoiceClonedChoice:
		if req.Voice.ReferencePath == "" {
			return tts.Request{}, errors.New("clone requested with no resolved reference path")
		}
		data, err := os.ReadFile(req.Voice.ReferencePath)
		if err != nil {
			return tts.Request{}, fmt.Errorf("read reference clip: %w", err)
		}
		vendorReq.ReferenceAudio = data
	case domain.VoiceDefaultFallback:
		vendorReq.VoiceID = req.Voice.FallbackVoiceID
	default: // domain.VoiceCatalog
		vendorReq.VoiceID = req.Voice.CatalogVoiceID
	}
	return vendorReq, nil
}

func (c *Client) callWithRetry(ctx context.Context, requestIndex int, vendorReq tts.Request) ([]byte, error) {
	var lastErr error
	var lastStatus int

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.requestBudget)
		audio, err := c.provider.Synthesize(callCtx, vendorReq)
		cancel()

		if err == nil {
			return audio, nil
		}
		lastErr = err

		status, retryAfter, hadStatus := StatusOf(err)
		retryable := true
		if hadStatus {
			lastStatus = status
			retryable = status == 429 || status >= 500 || status == 524
		}
		if !retryable {
			return nil, &SynthesisError{RequestIndex: requestIndex, Retryable: false, UpstreamStatus: lastStatus, Err: err}
		}
		if attempt == c.maxAttempts {
			break
		}

		wait := retryAfter
		if wait <= 0 {
			wait = time.Duration(float64(c.baseBackoff) * math.Pow(c.factor, float64(attempt-1)))
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, &SynthesisError{RequestIndex: requestIndex, Retryable: true, UpstreamStatus: lastStatus, Err: ctx.Err()}
		}
	}

	return nil, &SynthesisError{RequestIndex: requestIndex, Retryable: true, UpstreamStatus: lastStatus, Err: lastErr}
}

// Batch synthesizes requests in input order, processing fixed-size chunks
// sequentially (each chunk fully awaited before the next starts) while
// individual requests within a chunk run concurrently up to the client's
// concurrency bound. A terminal failure anywhere aborts the batch.
func (c *Client) Batch(ctx context.Context, requests []domain.TTSRequest, defaultLanguageCode string, h *workspace.Handle, onProgress func(done, total int)) ([]string, error) {
	results := make([]string, len(requests))
	total := len(requests)
	done := 0
	chunkSize := int(c.chunkSize.Load())

	for start := 0; start < len(requests); start += chunkSize {
		end := start + chunkSize
		if end > len(requests) {
			end = len(requests)
		}
		chunk := requests[start:end]

		g, gctx := errgroup.WithContext(ctx)
		for i, req := range chunk {
			idx := start + i
			req := req
			g.Go(func() error {
				path, err := c.Synthesize(gctx, req, defaultLanguageCode, h)
				if err != nil {
					return err
				}
				results[idx] = path
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		done += len(chunk)
		if onProgress != nil {
			onProgress(done, total)
		}
	}

	return results, nil
}
