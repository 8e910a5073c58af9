package verification

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Token alphabet excludes visually confusable characters (0/O, 1/I/l)
// because users retype the code from a voice-client chat window.
const (
	tokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	tokenLength   = 8
)

// Voice unique ids are base64 account digests; be lenient on length but
// strict on alphabet.
var uniqueIDPattern = regexp.MustCompile(`^[A-Za-z0-9+/]{20,40}={0,2}$`)

func ValidUniqueID(s string) bool {
	return uniqueIDPattern.MatchString(s)
}

func generateToken() (string, error) {
	buf := make([]byte, tokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	out := make([]byte, tokenLength)
	for i, b := range buf {
		out[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(out), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(strings.TrimSpace(token))))
	return hex.EncodeToString(sum[:])
}

func validTokenFormat(token string) bool {
	token = strings.ToUpper(strings.TrimSpace(token))
	if len(token) != tokenLength {
		return false
	}
	for _, r := range token {
		if !strings.ContainsRune(tokenAlphabet, r) {
			return false
		}
	}
	return true
}
