package common

import "unicode/utf8"

// DefaultTranscriptLimit caps how many characters of an SMTP transcript are
// copied into a single mail log event.
const DefaultTranscriptLimit = 8192

// TruncateRaw trims the supplied string to the specified rune limit. If limit
// is zero or negative it returns an empty string.
func TruncateRaw(raw string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(raw) <= limit {
		return raw
	}
	runes := []rune(raw)
	return string(runes[:limit])
}
