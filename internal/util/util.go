// Package util provides utility functions for the Gatekeeper service.
package util

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
	"unicode/utf8"
)

// HashString computes the SHA256 hash of s as lowercase hex.
func HashString(s string) string {
	hash := sha256.Sum256([]byte(s))
	return hex.EncodeToString(hash[:])
}

// TruncateString truncates a string to maxLen bytes, adding "..." if truncated.
// It never splits a multi-byte character.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return TruncateUTF8(s, maxLen)
	}
	return TruncateUTF8(s, maxLen-3) + "..."
}

// TruncateUTF8 returns the longest prefix of s that fits in maxBytes and
// ends on a rune boundary.
func TruncateUTF8(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	n := maxBytes
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// TimeSinceMs returns the duration since t in milliseconds.
func TimeSinceMs(t time.Time) int64 {
	return time.Since(t).Milliseconds()
}

// StringSliceContains checks if a slice contains a string.
func StringSliceContains(ss []string, s string) bool {
	for _, item := range ss {
		if item == s {
			return true
		}
	}
	return false
}

// DedupeStrings removes duplicates from a string slice while preserving order.
func DedupeStrings(ss []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(ss))
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	return result
}
