// Package pathutil flags request paths an upstream may normalize to a
// different route than the one they were matched against.
package pathutil

import (
	"net/url"
	"strings"
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// HasEmptySegments reports a "//" anywhere in p. A single trailing slash is
// not an empty segment.
func HasEmptySegments(p string) bool {
	return strings.Contains(p, "//")
}

// HasEncodedSeparator reports percent-encoded "/", "\" or "." in an escaped
// path. These decode into separators after routing.
func HasEncodedSeparator(escaped string) bool {
	lower := strings.ToLower(escaped)
	return strings.Contains(lower, "%2f") ||
		strings.Contains(lower, "%5c") ||
		strings.Contains(lower, "%2e")
}

// Ambiguous reports whether u's path could route differently once the
// upstream cleans or decodes it
func Ambiguous(u *url.URL) bool {
	return HasDotSegments(u.Path) ||
		HasEmptySegments(u.Path) ||
		strings.Contains(u.Path, `\`) ||
		HasEncodedSeparator(u.EscapedPath())
}
