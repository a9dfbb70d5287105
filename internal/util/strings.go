package util

import "unicode/utf8"

// Truncate shortens s to at most n bytes, appending "..." when it had to cut.
// The cut never splits a UTF-8 sequence. Returns s unchanged if n is too
// small to hold the marker.
func Truncate(s string, n int) string {
	if len(s) <= n || n <= 3 {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
