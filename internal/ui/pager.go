package ui

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/term"
)

// PagerOptions controls paging of long output such as crash listings and
// reassignment previews.
type PagerOptions struct {
	// NoPager is set by --no-pager.
	NoPager bool
	// Height overrides the detected screen height when positive.
	Height int
}

// pagerEnabled is false for --no-pager, FT_NO_PAGER, or when stdout is not
// a terminal.
func pagerEnabled(opts PagerOptions) bool {
	if opts.NoPager || os.Getenv("FT_NO_PAGER") != "" {
		return false
	}
	return IsTerminal()
}

// pagerCommand returns the argv of FT_PAGER, then PAGER, then less.
func pagerCommand() []string {
	for _, env := range []string{"FT_PAGER", "PAGER"} {
		if argv := strings.Fields(os.Getenv(env)); len(argv) > 0 {
			return argv
		}
	}
	return []string{"less"}
}

// screenHeight is 0 when stdout is not a terminal.
func screenHeight() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	_, h, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return h
}

// lineCount counts content lines; a trailing newline starts an empty line.
func lineCount(content string) int {
	if content == "" {
		return 0
	}
	return strings.Count(content, "\n") + 1
}

// fits reports whether content leaves room for the shell prompt on a screen
// of the given height. An unknown height never fits.
func fits(content string, height int) bool {
	return height > 0 && lineCount(content) < height
}

// ToPager prints content, through the pager when it is longer than the
// screen.
func ToPager(content string, opts PagerOptions) error {
	if !pagerEnabled(opts) {
		fmt.Print(content)
		return nil
	}
	height := opts.Height
	if height <= 0 {
		height = screenHeight()
	}
	if fits(content, height) {
		fmt.Print(content)
		return nil
	}

	argv := pagerCommand()
	cmd := exec.Command(argv[0], argv[1:]...) // #nosec G204 - FT_PAGER/PAGER are user settings
	cmd.Stdin = strings.NewReader(content)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if os.Getenv("LESS") == "" {
		// Raw colour codes, quit if one screen, no screen clear on exit.
		cmd.Env = append(cmd.Env, "LESS=-RFX")
	}
	return cmd.Run()
}
