package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewAndPathRegistersFiles(t *testing.T) {
	base := t.TempDir()
	root, err := NewRoot(base)
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}

	h, err := root.New("job")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p := h.Path("original", ".wav")
	if err := os.WriteFile(p, []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := Verify(p); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	h.Release()

	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatalf("expected file removed after release, stat err = %v", err)
	}
	if _, err := os.Stat(h.Root()); !os.IsNotExist(err) {
		t.Fatalf("expected root dir removed after release, stat err = %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	root, err := NewRoot(t.TempDir())
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	h, err := root.New("job")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.Release()
	h.Release() // must not panic or error
}

func TestDirRegistersSubdirectory(t *testing.T) {
	root, err := NewRoot(t.TempDir())
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	h, err := root.New("job")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sub, err := h.Dir("separated")
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}
	if filepath.Dir(sub) != h.Root() {
		t.Fatalf("subdir %q not under root %q", sub, h.Root())
	}
	h.Release()
	if _, err := os.Stat(sub); !os.IsNotExist(err) {
		t.Fatalf("expected subdir removed, stat err = %v", err)
	}
}

func TestVerifyFailsOnMissingOrEmpty(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "nope.wav")
	if err := Verify(missing); err == nil {
		t.Fatal("expected error for missing file")
	}

	empty := filepath.Join(dir, "empty.wav")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := Verify(empty); err == nil {
		t.Fatal("expected error for empty file")
	}
}
