package relay

import (
	"fmt"
	"strings"
)

// EscapeJSON escapes s so that it can be embedded between double quotes of a JSON string. Backslash,
// double quote, newline, carriage return and tab get their short escapes, any other control character
// is written as \u00XX.
func EscapeJSON(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\\':
			sb.WriteString(`\\`)
		case '"':
			sb.WriteString(`\"`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&sb, `\u%04x`, r)
				continue
			}
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
