// Package parse converts external tool output lines into snapshot records.
// Each tool gets its own parser; all of them sanitise control bytes so a
// hostile response body can never corrupt stored values.
package parse

import (
	"errors"
	"strings"
)

// ErrSkip marks a line that carries no record (blank, banner, comment).
// Stages skip these without counting a parse failure.
var ErrSkip = errors.New("line skipped")

// Sanitize strips NUL and non-printable control bytes from a tool-supplied
// string. Tabs survive; everything else below 0x20 is dropped.
func Sanitize(s string) string {
	if !strings.ContainsFunc(s, isControl) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if !isControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isControl(r rune) bool {
	return (r < 0x20 && r != '\t') || r == 0x7f
}

// SanitizeAll sanitises a string slice in place and returns it
func SanitizeAll(values []string) []string {
	for i, v := range values {
		values[i] = Sanitize(v)
	}
	return values
}
