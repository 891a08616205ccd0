package crashinfo

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// #3 0x4f5a2c in js::gc::Mark(JSObject*) /src/js/gc/Marking.cpp:120:5
	sanitizerFrameRe = regexp.MustCompile(`^\s*#(\d+)\s+0x[0-9a-fA-F]+\s+(?:in\s+)?(.*)$`)
	// #0  0x00007ffff7a42428 in raise (sig=6) at ../sysdeps/raise.c:54
	// #1  main () at crash.c:12
	gdbFrameRe = regexp.MustCompile(`^#(\d+)\s+(?:0x[0-9a-fA-F]+\s+in\s+)?([^\s(]+)\s*\(`)
	// 3: mycrate::module::function::h0123456789abcdef
	rustFrameRe = regexp.MustCompile(`^\s*(\d+):\s+(?:0x[0-9a-fA-F]+ - )?(\S+)`)
	rustHashRe  = regexp.MustCompile(`::h[0-9a-f]{16}$`)
	goroutineRe = regexp.MustCompile(`^goroutine \d+ \[`)

	sanitizerErrorRe   = regexp.MustCompile(`ERROR: (\w*Sanitizer): (\S+)`)
	sanitizerAddressRe = regexp.MustCompile(`(?:on unknown address|on address|address)\s+(0x[0-9a-fA-F]+)`)
	gdbInstructionRe   = regexp.MustCompile(`^=>\s*0x[0-9a-fA-F]+(?:\s+<[^>]*>)?:\s*(.+)$`)

	mozAssertRe   = regexp.MustCompile(`Assertion failure: (.+?)(?:, at \S+:\d+)?$`)
	glibcAssertRe = regexp.MustCompile("Assertion `(.+)' failed\\.")
	mozCrashRe    = regexp.MustCompile(`Hit (MOZ_CRASH\(.*\))`)
	goPanicRe     = regexp.MustCompile(`^(?:panic|fatal error): (.+?)(?: \[recovered\])?$`)
	rustPanicRe   = regexp.MustCompile(`panicked at '(.+)',`)
	rustPanicNew  = regexp.MustCompile(`panicked at \S+:\d+:\d+:$`)
)

// FromRaw parses raw output streams into a CrashInfo. Streams are searched
// in crash data, stderr, stdout order; the first stream holding a backtrace
// supplies it.
func FromRaw(stdout, stderr, crashData []string, cfg ProgramConfiguration) *CrashInfo {
	ci := &CrashInfo{
		Config:       cfg,
		RawStdout:    stdout,
		RawStderr:    stderr,
		RawCrashData: crashData,
	}

	for _, lines := range [][]string{crashData, stderr, stdout} {
		if len(lines) == 0 {
			continue
		}
		parseAbortMessage(ci, lines)
		parseSanitizerHeader(ci, lines)
		if ci.CrashInstruction == "" {
			ci.CrashInstruction = findInstruction(lines)
		}
		if len(ci.Backtrace) == 0 {
			ci.Backtrace = parseBacktrace(lines)
		}
	}
	return ci
}

func parseAbortMessage(ci *CrashInfo, lines []string) {
	if ci.AbortMessage != "" {
		return
	}
	for i, line := range lines {
		if m := mozAssertRe.FindStringSubmatch(line); m != nil {
			ci.AbortMessage = "Assertion failure: " + m[1]
			return
		}
		if m := glibcAssertRe.FindStringSubmatch(line); m != nil {
			ci.AbortMessage = "Assertion `" + m[1] + "' failed."
			return
		}
		if m := mozCrashRe.FindStringSubmatch(line); m != nil {
			ci.AbortMessage = m[1]
			return
		}
		if m := goPanicRe.FindStringSubmatch(line); m != nil {
			ci.AbortMessage = "panic: " + m[1]
			return
		}
		if m := rustPanicRe.FindStringSubmatch(line); m != nil {
			ci.AbortMessage = "panicked at '" + m[1] + "'"
			return
		}
		if rustPanicNew.MatchString(line) && i+1 < len(lines) {
			ci.AbortMessage = "panicked at '" + strings.TrimSpace(lines[i+1]) + "'"
			return
		}
	}
}

func parseSanitizerHeader(ci *CrashInfo, lines []string) {
	for _, line := range lines {
		m := sanitizerErrorRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if ci.SanitizerSummary == "" {
			ci.SanitizerSummary = m[1] + ": " + m[2]
		}
		if ci.CrashAddress == nil {
			if am := sanitizerAddressRe.FindStringSubmatch(line); am != nil {
				if addr, err := strconv.ParseUint(am[1][2:], 16, 64); err == nil {
					ci.CrashAddress = &addr
				}
			}
		}
		return
	}
}

func findInstruction(lines []string) string {
	for _, line := range lines {
		if m := gdbInstructionRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return strings.Join(strings.Fields(m[1]), " ")
		}
	}
	return ""
}

// parseBacktrace extracts the first thread's frames. Frame numbering
// restarting at zero ends the trace (allocation/free stacks follow in
// sanitizer reports).
func parseBacktrace(lines []string) []string {
	for i, line := range lines {
		if goroutineRe.MatchString(line) {
			return parseGoFrames(lines[i+1:])
		}
		if strings.TrimSpace(line) == "stack backtrace:" {
			return parseRustFrames(lines[i+1:])
		}
	}

	var frames []string
	expected := 0
	for _, line := range lines {
		var idx int
		var name string
		if m := sanitizerFrameRe.FindStringSubmatch(line); m != nil {
			idx, _ = strconv.Atoi(m[1])
			name = cleanSanitizerFrame(m[2])
		} else if m := gdbFrameRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			idx, _ = strconv.Atoi(m[1])
			name = m[2]
		} else {
			continue
		}
		if idx != expected {
			if len(frames) > 0 {
				break
			}
			continue
		}
		frames = append(frames, name)
		expected++
	}
	return frames
}

func parseGoFrames(lines []string) []string {
	var frames []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "created by ") {
			break
		}
		if strings.HasPrefix(line, "\t") {
			continue
		}
		if !strings.HasSuffix(line, ")") {
			break
		}
		name := line
		if idx := strings.LastIndex(name, "("); idx > 0 {
			name = name[:idx]
		}
		frames = append(frames, name)
	}
	return frames
}

func parseRustFrames(lines []string) []string {
	var frames []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "at ") {
			continue
		}
		m := rustFrameRe.FindStringSubmatch(line)
		if m == nil {
			break
		}
		frames = append(frames, rustHashRe.ReplaceAllString(m[2], ""))
	}
	return frames
}

// cleanSanitizerFrame strips the source location and parameter list from a
// symbolized sanitizer frame. Unsymbolized frames become "??".
func cleanSanitizerFrame(rest string) string {
	rest = strings.TrimSpace(rest)
	if rest == "" || strings.HasPrefix(rest, "(") || strings.HasPrefix(rest, "/") {
		return "??"
	}

	fields := strings.Fields(rest)
	cut := len(fields)
	for i := len(fields) - 1; i > 0; i-- {
		f := fields[i]
		if f == "at" || f == "from" ||
			strings.HasPrefix(f, "/") || strings.HasPrefix(f, "(/") ||
			(strings.HasPrefix(f, "(") && strings.Contains(f, "+0x")) ||
			strings.Contains(f, ".c:") || strings.Contains(f, ".cpp:") || strings.Contains(f, ".h:") {
			cut = i
		}
	}
	name := strings.Join(fields[:cut], " ")
	name = strings.TrimSuffix(name, " const")
	return strings.TrimSpace(stripParams(name))
}

// stripParams removes a trailing balanced parameter list.
func stripParams(name string) string {
	if !strings.HasSuffix(name, ")") {
		return name
	}
	depth := 0
	for i := len(name) - 1; i >= 0; i-- {
		switch name[i] {
		case ')':
			depth++
		case '(':
			depth--
			if depth == 0 {
				if i == 0 {
					return name
				}
				return name[:i]
			}
		}
	}
	return name
}
