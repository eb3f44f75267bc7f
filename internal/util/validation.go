package util

import (
	"strings"
)

// IsValidLocationID accepts the opaque ids the dashboard assigns to
// locations: 1 to 128 characters with no whitespace or slashes.
func IsValidLocationID(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	return !strings.ContainsAny(s, " \t\r\n/")
}
