// Package ui renders ft's human-readable terminal output. Colors follow the
// Ayu palette and adapt to light and dark backgrounds.
package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	ColorPass = lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"}
	ColorWarn = lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}
	ColorFail = lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}
	// ColorMuted is used for ids, timestamps and other secondary text.
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"}
)

var (
	PassStyle     = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle     = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle     = lipgloss.NewStyle().Foreground(ColorFail)
	MutedStyle    = lipgloss.NewStyle().Foreground(ColorMuted)
	AccentStyle   = lipgloss.NewStyle().Foreground(ColorAccent)
	CategoryStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
	HeaderStyle   = lipgloss.NewStyle().Bold(true)
)

const (
	IconPass = "✓"
	IconWarn = "⚠"
	IconFail = "✗"
	IconSkip = "-"
)

const SeparatorLight = "──────────────────────────────────────────"

func RenderPass(s string) string   { return PassStyle.Render(s) }
func RenderWarn(s string) string   { return WarnStyle.Render(s) }
func RenderFail(s string) string   { return FailStyle.Render(s) }
func RenderMuted(s string) string  { return MutedStyle.Render(s) }
func RenderAccent(s string) string { return AccentStyle.Render(s) }

// RenderCategory renders a section header in uppercase.
func RenderCategory(s string) string {
	return CategoryStyle.Render(strings.ToUpper(s))
}

// RenderSeparator renders a muted horizontal rule.
func RenderSeparator() string {
	return MutedStyle.Render(SeparatorLight)
}

// Icon returns the styled status icon, or a plain-text stand-in when emoji
// output is disabled.
func Icon(icon string) string {
	if !ShouldUseEmoji() {
		switch icon {
		case IconPass:
			return PassStyle.Render("ok")
		case IconWarn:
			return WarnStyle.Render("warn")
		case IconFail:
			return FailStyle.Render("FAIL")
		default:
			return MutedStyle.Render(icon)
		}
	}
	switch icon {
	case IconPass:
		return PassStyle.Render(icon)
	case IconWarn:
		return WarnStyle.Render(icon)
	case IconFail:
		return FailStyle.Render(icon)
	default:
		return MutedStyle.Render(icon)
	}
}

// RenderBucketState colors a bucket by what needs attention: frequent
// buckets without a bug are warnings, buckets whose bug is closed but still
// receive crashes are failures.
func RenderBucketState(s string, frequent, hasBug, bugClosed bool) string {
	switch {
	case hasBug && bugClosed:
		return FailStyle.Render(s)
	case frequent && !hasBug:
		return WarnStyle.Render(s)
	case hasBug:
		return PassStyle.Render(s)
	default:
		return s
	}
}
