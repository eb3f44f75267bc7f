package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// MaskCode hides the second half of a pairing code for logs: ABCD-****.
func MaskCode(code string) string {
	if len(code) <= 4 {
		return "****"
	}
	return code[:4] + "-****"
}

// HashToken returns a stable, non-reversible identifier for a bearer token
// so rate-limit keys and logs never carry the token itself.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(hash[:])
}
