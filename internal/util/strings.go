// Package util holds small internal helpers shared across packages.
package util

// SafeTruncate returns at most maxLen characters of s. It is used to log
// prefixes of secrets (codes, tokens) without exposing the full value.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		maxLen = 0
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
