// Package textclean strips terminal control sequences from raw backend
// output. It is a pure text filter with no state, used when a backend's
// diagnostic stream arrives decorated with ANSI escapes.
package textclean

import (
	"regexp"
	"strings"
)

var (
	// CSI sequences: ESC [ parameters final-byte.
	csiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	// OSC sequences: ESC ] ... terminated by BEL or ESC \.
	oscPattern = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)
	// Remaining two-byte escapes (charset selection, keypad modes, etc).
	escPattern = regexp.MustCompile(`\x1b[@-_][0-9;]*`)
)

// Clean removes ANSI CSI/OSC escape sequences and non-printing control
// characters from text, preserving newlines and tabs.
func Clean(text string) string {
	if !strings.ContainsAny(text, "\x1b\x07\x08\x0d") && !hasControl(text) {
		return text
	}

	text = oscPattern.ReplaceAllString(text, "")
	text = csiPattern.ReplaceAllString(text, "")
	text = escPattern.ReplaceAllString(text, "")

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case r < 0x20 || r == 0x7f:
			// drop other control characters, including bare CR and BEL
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func hasControl(text string) bool {
	for _, r := range text {
		if (r < 0x20 && r != '\n' && r != '\t') || r == 0x7f {
			return true
		}
	}
	return false
}
