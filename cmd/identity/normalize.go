package identity

import "strings"

// NormalizeHandle performs case-insensitive canonicalization of a public handle.
// A leading "@" is dropped so "@Ada" and "ada" collide.
func NormalizeHandle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "@")
	return strings.ToLower(s)
}
