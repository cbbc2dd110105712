package separator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dubforge/retargetd/internal/retargeterr"
	"github.com/dubforge/retargetd/internal/workspace"
)

func writeFakeBin(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-separate.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write fake bin: %v", err)
	}
	return path
}

func newHandle(t *testing.T) *workspace.Handle {
	t.Helper()
	root, err := workspace.NewRoot(t.TempDir())
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	h, err := root.New("job")
	if err != nil {
		t.Fatalf("root.New: %v", err)
	}
	t.Cleanup(h.Release)
	return h
}

func TestSeparateWritesBothTracks(t *testing.T) {
	bin := writeFakeBin(t, `
while [ $# -gt 0 ]; do
  case "$1" in
    --vocals-out) VOUT="$2"; shift 2;;
    --accompaniment-out) AOUT="$2"; shift 2;;
    *) shift;;
  esac
done
echo vocals > "$VOUT"
echo accompaniment > "$AOUT"
`)

	s := New(WithBin(bin), WithTimeout(5*time.Second))
	h := newHandle(t)

	res, err := s.Separate(context.Background(), "/tmp/in.wav", h)
	if err != nil {
		t.Fatalf("Separate: %v", err)
	}
	if err := workspace.Verify(res.VocalsPath); err != nil {
		t.Errorf("vocals not valid: %v", err)
	}
	if err := workspace.Verify(res.AccompanimentPath); err != nil {
		t.Errorf("accompaniment not valid: %v", err)
	}
}

func TestSeparateFailsOnNonZeroExit(t *testing.T) {
	bin := writeFakeBin(t, `echo "boom" 1>&2; exit 1`)
	s := New(WithBin(bin), WithTimeout(5*time.Second))
	h := newHandle(t)

	_, err := s.Separate(context.Background(), "/tmp/in.wav", h)
	if !retargeterr.Is(err, retargeterr.KindExternalToolFailed) {
		t.Fatalf("expected KindExternalToolFailed, got %v", err)
	}
}

func TestSeparateFailsOnMissingOutput(t *testing.T) {
	bin := writeFakeBin(t, `exit 0`)
	s := New(WithBin(bin), WithTimeout(5*time.Second))
	h := newHandle(t)

	_, err := s.Separate(context.Background(), "/tmp/in.wav", h)
	if !retargeterr.Is(err, retargeterr.KindExternalToolFailed) {
		t.Fatalf("expected KindExternalToolFailed, got %v", err)
	}
}

func TestSeparateFailsOnMissingBinary(t *testing.T) {
	s := New(WithBin("/nonexistent/separate-binary"), WithTimeout(5*time.Second))
	h := newHandle(t)

	_, err := s.Separate(context.Background(), "/tmp/in.wav", h)
	if !retargeterr.Is(err, retargeterr.KindExternalToolFailed) {
		t.Fatalf("expected KindExternalToolFailed, got %v", err)
	}
}
