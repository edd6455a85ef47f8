// Package errors provides helpers that keep backend failure text safe to
// surface in reports: truncated, with paths, addresses and credentials
// scrubbed out.
package errors

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// MaxReasonLength caps user-visible failure reasons so a transport stack
// trace never leaks into report output.
const MaxReasonLength = 100

var (
	// Pattern to match file paths (Linux and Windows)
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)

	// Pattern to match IP addresses
	ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	// Pattern to match credential material embedded in error text
	credentialPattern = regexp.MustCompile(`(?i)(password|secret|token|api[_-]?key|basic_auth)=\S+`)
)

// Reason formats an error into a bounded, scrubbed failure reason with the
// given prefix, e.g. Reason("Connection failed", err).
func Reason(prefix string, err error) string {
	if err == nil {
		return prefix
	}
	return fmt.Sprintf("%s: %s", prefix, Truncate(Scrub(err.Error()), MaxReasonLength))
}

// Truncate bounds s to max characters.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}

// Scrub removes sensitive information from a string before it leaves the
// process in a report or API response.
func Scrub(s string) string {
	s = credentialPattern.ReplaceAllString(s, "$1=[REDACTED]")

	// Keep only the final path element so filesystem layout stays private.
	s = filePathPattern.ReplaceAllStringFunc(s, func(match string) string {
		return filepath.Base(match)
	})

	// Mask IP addresses, keeping the first two octets for debugging context.
	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		if len(parts) == 4 {
			return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
		}
		return "x.x.x.x"
	})

	return s
}
