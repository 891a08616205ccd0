// Package lockfile provides advisory, process-exclusive lock files. The
// operating system drops the lock when the holding process exits, so a
// lock file left behind by a crash does not block the next run.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrLockBusy is returned when another process holds the lock.
var ErrLockBusy = errors.New("lock already held by another process")

// Info is written into the lock file by its holder.
type Info struct {
	PID       int       `json:"pid"`
	Purpose   string    `json:"purpose,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a held lock file.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes the lock at path without blocking. It returns an error
// wrapping ErrLockBusy if another process holds it.
func Acquire(path, purpose string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600) // #nosec G304 - lock path is derived from a workspace directory
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := flockExclusive(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLockBusy) {
			if info, rerr := ReadInfo(path); rerr == nil && info.PID > 0 {
				return nil, fmt.Errorf("%s (pid %d, %s): %w", path, info.PID, info.Purpose, ErrLockBusy)
			}
			return nil, fmt.Errorf("%s: %w", path, ErrLockBusy)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	info := Info{PID: os.Getpid(), Purpose: purpose, StartedAt: time.Now().UTC()}
	data, err := json.Marshal(info)
	if err == nil {
		if err = f.Truncate(0); err == nil {
			_, err = f.WriteAt(data, 0)
		}
	}
	if err != nil {
		_ = flockUnlock(f)
		_ = f.Close()
		return nil, fmt.Errorf("failed to write lock info: %w", err)
	}
	return &Lock{path: path, f: f}, nil
}

// Release unlocks and removes the lock file. It is safe to call twice.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	_ = os.Remove(l.path)
	if err := flockUnlock(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadInfo reads the holder information from a lock file.
func ReadInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path) // #nosec G304 - lock path is derived from a workspace directory
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("invalid lock file %s: %w", path, err)
	}
	return &info, nil
}
