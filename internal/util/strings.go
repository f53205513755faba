// Package util provides small shared helpers that don't belong to a
// domain package.
package util

// SafeTruncate truncates a string to maxLen bytes without panicking.
// Used when logging token prefixes so only a short, non-reversible
// fragment reaches the logs.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
