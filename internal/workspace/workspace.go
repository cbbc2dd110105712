// Package workspace provides job-scoped temporary directories with tracked
// file and directory handles and guaranteed release.
//
// A [Handle] is created once per pipeline run. Every path it hands out is
// registered internally; [Handle.Release] removes every registered path
// exactly once, regardless of whether the path still exists on disk, and is
// safe to call more than once.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// ErrInvalidArtifact is returned by Verify when a path does not satisfy the
// contract of a usable media artifact (exists, regular file, non-empty).
var ErrInvalidArtifact = errors.New("workspace: invalid artifact")

// Root owns the configured temp-root directory and mints [Handle]s under it.
type Root struct {
	base string
}

// NewRoot creates a Root rooted at base. base is created if it does not
// already exist.
func NewRoot(base string) (*Root, error) {
	if base == "" {
		return nil, errors.New("workspace: root base must not be empty")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create root %q: %w", base, err)
	}
	return &Root{base: base}, nil
}

// New creates a fresh, empty, uniquely-named directory under the root and
// returns a [Handle] scoped to it.
func (r *Root) New(prefix string) (*Handle, error) {
	name := fmt.Sprintf("%s-%s", prefix, uuid.NewString())
	dir := filepath.Join(r.base, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create %q: %w", dir, err)
	}
	h := &Handle{root: dir}
	h.dirs = append(h.dirs, dir)
	return h, nil
}

// Handle is a scoped temp directory plus the set of files and subdirectories
// it has handed out. Every exported method is safe for concurrent use.
type Handle struct {
	mu       sync.Mutex
	root     string
	files    []string
	dirs     []string
	released bool
}

// Root returns the handle's root directory.
func (h *Handle) Root() string {
	return h.root
}

// Path returns a fresh, unique filename under the workspace root with the
// given prefix and extension (including the leading dot, e.g. ".wav"). The
// file is registered but not created — callers create it by writing to the
// returned path.
func (h *Handle) Path(prefix, ext string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	name := fmt.Sprintf("%s-%s%s", prefix, uuid.NewString(), ext)
	p := filepath.Join(h.root, name)
	h.files = append(h.files, p)
	return p
}

// Dir creates and registers a fresh subdirectory under the workspace root.
func (h *Handle) Dir(prefix string) (string, error) {
	h.mu.Lock()
	name := fmt.Sprintf("%s-%s", prefix, uuid.NewString())
	p := filepath.Join(h.root, name)
	h.mu.Unlock()

	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", fmt.Errorf("workspace: create dir %q: %w", p, err)
	}

	h.mu.Lock()
	h.dirs = append(h.dirs, p)
	h.mu.Unlock()
	return p, nil
}

// Verify asserts that path exists, is a regular file, and has non-zero size.
func Verify(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArtifact, path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s: not a regular file", ErrInvalidArtifact, path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s: empty file", ErrInvalidArtifact, path)
	}
	return nil
}

// Release best-effort removes every path registered on h. Individual
// failures are logged but do not abort the release. Release drains the
// handle's registered sets, so a second call is a no-op.
//
// Release must run on every pipeline exit path, including panics and
// cancellations — callers should invoke it from a deferred function
// immediately after the handle is created.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	files := h.files
	dirs := h.dirs
	h.files = nil
	h.dirs = nil
	h.released = true
	h.mu.Unlock()

	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			slog.Warn("workspace: failed to remove file", "path", f, "err", err)
		}
	}
	// Remove directories in reverse registration order (subdirectories
	// before the root) to avoid "directory not empty" noise, then fall back
	// to RemoveAll in case nested files were never explicitly registered.
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.RemoveAll(dirs[i]); err != nil && !os.IsNotExist(err) {
			slog.Warn("workspace: failed to remove dir", "path", dirs[i], "err", err)
		}
	}
}
