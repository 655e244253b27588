package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func Test_Acquire_writesPidAndReleases(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.lock")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l.Path() != path {
		t.Fatalf("Path: got %q, want %q", l.Path(), path)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(b) == 0 {
		t.Fatalf("lock file is empty, expected pid")
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Release again is a no-op.
	if err := l.Release(); err != nil {
		t.Fatalf("Release (second): %v", err)
	}
}

func Test_Acquire_emptyPath(t *testing.T) {
	t.Parallel()

	if _, err := Acquire(""); err == nil {
		t.Fatalf("Acquire with empty path should fail")
	}
}

func Test_Acquire_reacquireAfterRelease(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.lock")
	l1, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	l2, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if err := l2.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func Test_ErrAlreadyLocked_matchable(t *testing.T) {
	t.Parallel()

	wrapped := errors.Join(ErrAlreadyLocked)
	if !errors.Is(wrapped, ErrAlreadyLocked) {
		t.Fatalf("errors.Is should match ErrAlreadyLocked")
	}
}
