package util

import "strings"

// SafeTruncate returns at most maxLen leading bytes of s, without panicking
// on short input. Used when logging token hashes, where only a prefix may
// appear. Negative maxLen yields "".
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes for audience and issuer comparison,
// where "https://example.com" and "https://example.com/" name the same
// thing. Redirect URIs are never normalized; those match byte for byte.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
