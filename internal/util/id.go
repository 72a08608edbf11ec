package util

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._~-]{1,128}$`)

// NewID returns prefix-<12 hex chars>, short enough to type in a URL.
func NewID(prefix string) string {
	bytes := make([]byte, 6)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "-" + hex.EncodeToString(bytes)
}

// ValidID reports whether s may name a patch.
func ValidID(s string) bool {
	return idPattern.MatchString(s) && s != "." && s != ".."
}
