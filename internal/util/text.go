package util

import "unicode/utf8"

// TruncateText shortens s to at most limit bytes without cutting through a
// multi-byte UTF-8 sequence. limit <= 0 returns s unchanged.
func TruncateText(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
