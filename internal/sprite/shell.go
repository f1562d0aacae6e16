package sprite

import "strings"

// ShellQuote wraps s in single quotes for safe interpolation into a
// /bin/sh -c command line. Embedded single quotes become '\''.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
