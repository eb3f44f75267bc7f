package pairing

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// codeChars leaves out O, I, 0 and 1 so codes survive being read off a TV
// screen. Eight characters give 32^8 (about 1.1e12) codes.
const codeChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codeHalf = 4

// GenerateCode returns a fresh XXXX-XXXX code.
func GenerateCode() (string, error) {
	chars := []byte(codeChars)
	limit := big.NewInt(int64(len(chars)))
	buf := make([]byte, 2*codeHalf)

	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		buf[i] = chars[n.Int64()]
	}

	return fmt.Sprintf("%s-%s", buf[:codeHalf], buf[codeHalf:]), nil
}

// NormalizeCode accepts what an operator may type ("abcd efgh", "ABCDEFGH")
// and returns the canonical XXXX-XXXX form. Inputs of any other length are
// only upper-cased and trimmed.
func NormalizeCode(input string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, strings.ToUpper(strings.TrimSpace(input)))

	if len(cleaned) != 2*codeHalf {
		return cleaned
	}
	return cleaned[:codeHalf] + "-" + cleaned[codeHalf:]
}
