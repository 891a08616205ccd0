// Package hooks runs user scripts after crash lifecycle events.
// Hooks are executable files in .fuzztriage/hooks/ named after the event.
package hooks

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fuzztriage/fuzztriage/internal/types"
)

// Event types
const (
	EventIngest   = "ingest"
	EventBucket   = "bucket"
	EventUnbucket = "unbucket"
)

// Hook file names
const (
	HookOnIngest   = "on_ingest"
	HookOnBucket   = "on_bucket"
	HookOnUnbucket = "on_unbucket"
)

// Runner handles hook execution
type Runner struct {
	hooksDir string
	timeout  time.Duration
}

// NewRunner creates a hook runner for scripts in hooksDir.
func NewRunner(hooksDir string, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Runner{
		hooksDir: hooksDir,
		timeout:  timeout,
	}
}

// Run executes a hook if it exists.
// Runs asynchronously - returns immediately, hook runs in background.
func (r *Runner) Run(event string, crash *types.CrashEntry) {
	hookPath, ok := r.lookup(event)
	if !ok {
		return
	}
	go func() { _ = r.runHook(hookPath, event, crash) }()
}

// RunSync executes a hook synchronously and returns any error.
func (r *Runner) RunSync(event string, crash *types.CrashEntry) error {
	hookPath, ok := r.lookup(event)
	if !ok {
		return nil
	}
	return r.runHook(hookPath, event, crash)
}

// HookExists checks if an executable hook exists for an event
func (r *Runner) HookExists(event string) bool {
	_, ok := r.lookup(event)
	return ok
}

func (r *Runner) lookup(event string) (string, bool) {
	if r == nil {
		return "", false
	}
	hookName := eventToHook(event)
	if hookName == "" {
		return "", false
	}
	hookPath := filepath.Join(r.hooksDir, hookName)
	info, err := os.Stat(hookPath)
	if err != nil || info.IsDir() {
		return "", false
	}
	if info.Mode()&0111 == 0 {
		return "", false
	}
	return hookPath, true
}

func eventToHook(event string) string {
	switch event {
	case EventIngest:
		return HookOnIngest
	case EventBucket:
		return HookOnBucket
	case EventUnbucket:
		return HookOnUnbucket
	default:
		return ""
	}
}
