package migrate

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"regexp"
	"strings"
)

// TokenPrefix marks user-facing migration tokens.
const TokenPrefix = "pdsm-"

// tokenEncoding is lower-case base32 without padding: 10 random bytes become
// exactly 16 characters, 80 bits of entropy.
var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

var tokenPattern = regexp.MustCompile(`^pdsm-[a-z2-7]{16}$`)

// NewToken generates a fresh migration token.
func NewToken() (string, error) {
	raw := make([]byte, 10)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return TokenPrefix + strings.ToLower(tokenEncoding.EncodeToString(raw)), nil
}

// ValidToken reports whether s has the expected token shape.
func ValidToken(s string) bool {
	return tokenPattern.MatchString(s)
}
