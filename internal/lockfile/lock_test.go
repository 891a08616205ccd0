//go:build unix

package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collect.lock")

	lock, err := Acquire(path, "collect")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	info, err := ReadInfo(path)
	if err != nil {
		t.Fatalf("ReadInfo failed: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("PID mismatch: got %d, want %d", info.PID, os.Getpid())
	}
	if info.Purpose != "collect" {
		t.Errorf("Purpose mismatch: got %q", info.Purpose)
	}

	// flock locks belong to the open file description, so a second open in
	// the same process conflicts.
	_, err = Acquire(path, "other")
	if !errors.Is(err, ErrLockBusy) {
		t.Fatalf("expected ErrLockBusy, got %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed, stat err = %v", err)
	}

	again, err := Acquire(path, "collect")
	if err != nil {
		t.Fatalf("re-Acquire failed: %v", err)
	}
	_ = again.Release()
}

func TestReadInfoInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.lock")
	if err := os.WriteFile(path, []byte("12345"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadInfo(path); err == nil {
		t.Fatal("expected error for non-JSON lock file")
	}
	if _, err := ReadInfo(filepath.Join(t.TempDir(), "missing.lock")); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
