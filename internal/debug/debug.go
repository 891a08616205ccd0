// Package debug gates diagnostic output behind FT_DEBUG or --verbose and
// suppresses normal output in --quiet mode.
package debug

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	enabled     = os.Getenv("FT_DEBUG") != ""
	verboseMode = false
	quietMode   = false
	logMutex    sync.Mutex
)

func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables verbose/debug output
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// SetQuiet enables quiet mode (suppress non-essential output)
func SetQuiet(quiet bool) {
	quietMode = quiet
}

// IsQuiet returns true if quiet mode is enabled
func IsQuiet() bool {
	return quietMode
}

func Logf(format string, args ...interface{}) {
	if enabled || verboseMode {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

func Printf(format string, args ...interface{}) {
	if enabled || verboseMode {
		fmt.Printf(format, args...)
	}
}

// PrintNormal prints output unless quiet mode is enabled
// Use this for normal informational output that should be suppressed in quiet mode
func PrintNormal(format string, args ...interface{}) {
	if !quietMode {
		fmt.Printf(format, args...)
	}
}

// PrintlnNormal prints a line unless quiet mode is enabled
func PrintlnNormal(args ...interface{}) {
	if !quietMode {
		fmt.Println(args...)
	}
}

// Logger returns the slog logger handed to long-running components. It
// logs at debug level when debug output is enabled and at warn level
// otherwise, to stderr.
func Logger() *slog.Logger {
	level := slog.LevelWarn
	if Enabled() {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// LogEvent appends an audit line to .fuzztriage/events.log in the nearest
// workspace. Format: TIMESTAMP|EVENT_CODE|SUBJECT|USER|DETAILS
func LogEvent(eventCode, subject, details string) {
	wsDir, err := findWorkspaceDir()
	if err != nil {
		// Silent fail if not in a workspace
		return
	}
	logPath := filepath.Join(wsDir, "events.log")

	if subject == "" {
		subject = "none"
	}
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	entry := fmt.Sprintf("%s|%s|%s|%s|%s\n", timestamp, eventCode, subject, user, details)

	logMutex.Lock()
	defer logMutex.Unlock()

	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) // #nosec G302 -- audit log is not secret
	if err != nil {
		// Don't interrupt operations if logging fails
		return
	}
	defer file.Close()

	_, _ = file.WriteString(entry)
}

func findWorkspaceDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		wsDir := filepath.Join(dir, ".fuzztriage")
		if info, err := os.Stat(wsDir); err == nil && info.IsDir() {
			return wsDir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not in an ft workspace")
		}
		dir = parent
	}
}
