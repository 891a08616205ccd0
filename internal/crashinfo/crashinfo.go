// Package crashinfo turns raw crash output into structured crash data.
//
// A CrashInfo holds the parsed backtrace, crash address and instruction,
// abort message and sanitizer summary of one crash, plus whichever raw output
// streams and testcase lines were loaded for it. Signatures match against
// CrashInfo values, never against raw text directly.
package crashinfo

import (
	"fmt"
	"strings"

	"github.com/fuzztriage/fuzztriage/internal/types"
)

// ProgramConfiguration identifies the build a crash was observed on.
type ProgramConfiguration struct {
	Product  string `json:"product,omitempty"`
	Platform string `json:"platform,omitempty"`
	OS       string `json:"os,omitempty"`
}

// CrashInfo is the structured form of one crash.
type CrashInfo struct {
	Config ProgramConfiguration

	RawStdout    []string
	RawStderr    []string
	RawCrashData []string

	// TestCase holds testcase lines. HasTestCase distinguishes an empty
	// testcase from one that was never attached.
	TestCase    []string
	HasTestCase bool

	Backtrace        []string
	CrashAddress     *uint64
	CrashInstruction string
	AbortMessage     string
	SanitizerSummary string // e.g. "AddressSanitizer: heap-use-after-free"
}

// NoCrashDetected is the short signature of output without crash evidence.
const NoCrashDetected = "No crash detected"

// Lines returns the raw lines of one output stream.
func (c *CrashInfo) Lines(src types.OutputSource) []string {
	switch src {
	case types.SourceStdout:
		return c.RawStdout
	case types.SourceStderr:
		return c.RawStderr
	case types.SourceCrashData:
		return c.RawCrashData
	}
	return nil
}

// ShortSignature returns a one-line summary used for listings and as the
// default bucket description.
func (c *CrashInfo) ShortSignature() string {
	if c.AbortMessage != "" {
		return c.AbortMessage
	}
	if c.SanitizerSummary != "" {
		if len(c.Backtrace) > 0 {
			return fmt.Sprintf("%s [@ %s]", c.SanitizerSummary, c.Backtrace[0])
		}
		return c.SanitizerSummary
	}
	if len(c.Backtrace) > 0 {
		return fmt.Sprintf("[@ %s]", c.Backtrace[0])
	}
	return NoCrashDetected
}

// CrashAddressString formats the crash address as hex, or "" if unknown.
func (c *CrashInfo) CrashAddressString() string {
	if c.CrashAddress == nil {
		return ""
	}
	return fmt.Sprintf("0x%x", *c.CrashAddress)
}

// SplitLines splits stored raw text into lines, dropping carriage returns
// and a trailing empty line.
func SplitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// FromEntry builds the crash info for a stored entry. When the entry carries
// a cached blob, the blob supplies the parsed fields and only the loaded raw
// streams are attached. Otherwise the raw text is parsed, which requires all
// three streams to have been loaded.
func FromEntry(entry *types.CrashEntry) (*CrashInfo, error) {
	cfg := ProgramConfiguration{Product: entry.Product, Platform: entry.Platform, OS: entry.OS}

	var ci *CrashInfo
	if entry.CachedCrashInfo != "" {
		decoded, err := Decode(entry.CachedCrashInfo)
		if err != nil {
			return nil, fmt.Errorf("crash %d: %w", entry.ID, err)
		}
		ci = decoded
		ci.Config = cfg
		if entry.RawLoaded.Stdout {
			ci.RawStdout = SplitLines(entry.RawStdout)
		}
		if entry.RawLoaded.Stderr {
			ci.RawStderr = SplitLines(entry.RawStderr)
		}
		if entry.RawLoaded.CrashData {
			ci.RawCrashData = SplitLines(entry.RawCrashData)
		}
	} else {
		if !entry.RawLoaded.Covers(types.Projection{Stdout: true, Stderr: true, CrashData: true}) {
			return nil, fmt.Errorf("crash %d: no cached crash info and raw output not loaded", entry.ID)
		}
		ci = FromRaw(SplitLines(entry.RawStdout), SplitLines(entry.RawStderr), SplitLines(entry.RawCrashData), cfg)
	}

	if entry.TestCase != nil {
		ci.HasTestCase = true
		ci.TestCase = entry.TestCase.Lines()
	}
	return ci, nil
}
