// Package httpfetch retrieves a job's source audio over HTTP(S), the way
// internal/discord/commands/attachment.go downloads a Discord attachment:
// issue a context-bound GET, stream the body to disk, never buffer the
// whole file in memory.
package httpfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/dubforge/retargetd/internal/retargeterr"
	"github.com/dubforge/retargetd/internal/workspace"
)

const defaultTimeout = 10 * time.Minute

// Option configures a [Fetcher].
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.httpClient = c }
}

// WithTimeout bounds how long a single download may run.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// Fetcher implements jobpipeline.Fetcher over plain HTTP GET.
type Fetcher struct {
	httpClient *http.Client
	timeout    time.Duration
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient: &http.Client{},
		timeout:    defaultTimeout,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch downloads url into a fresh file under h and returns its local path.
func (f *Fetcher) Fetch(ctx context.Context, url string, h *workspace.Handle) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", retargeterr.New(retargeterr.KindPreconditionFailed, "httpfetch", fmt.Sprintf("build request for %q", url), err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", retargeterr.New(retargeterr.KindTimeout, "httpfetch", fmt.Sprintf("download %q", url), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", retargeterr.New(retargeterr.KindExternalToolFailed, "httpfetch", fmt.Sprintf("unexpected status %d for %q", resp.StatusCode, url), nil)
	}

	dest := h.Path("source", extensionOf(url))
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("httpfetch: create %q: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", retargeterr.New(retargeterr.KindExternalToolFailed, "httpfetch", fmt.Sprintf("write %q", dest), err)
	}

	if err := workspace.Verify(dest); err != nil {
		return "", retargeterr.New(retargeterr.KindInvalidArtifact, "httpfetch", dest, err)
	}
	return dest, nil
}

// extensionOf returns the URL path's file extension, defaulting to ".bin"
// when the URL carries none (the media toolkit probes the real format
// regardless of extension).
func extensionOf(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	ext := filepath.Ext(p)
	if ext == "" || len(ext) > 8 {
		return ".bin"
	}
	return ext
}
