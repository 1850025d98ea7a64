package logger

import (
	"fmt"
	"strings"
)

// SanitizeForLog escapes control characters before a string reaches the log.
// Video references arrive from an external collaborator and must not be able
// to forge log entries (\n, \r), truncate them (\x00) or drive the terminal
// (ANSI escapes). Unicode above the control range passes through untouched.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for _, r := range s {
		switch r {
		case '\n':
			b.WriteString("\\n")
		case '\r':
			b.WriteString("\\r")
		case '\t':
			b.WriteString("\\t")
		default:
			if r < 32 || r == 127 {
				fmt.Fprintf(&b, "\\x%02x", r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}
