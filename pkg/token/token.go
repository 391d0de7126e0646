// Package token generates and validates the cluster join token and the
// bootstrap admin password. Tokens come from crypto/rand; comparisons are
// constant time so validation cannot leak by timing.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	// DefaultTokenBytes gives 256 bits of entropy (44 chars base64).
	DefaultTokenBytes = 32
	// MinTokenLength rejects obviously truncated tokens before hashing.
	MinTokenLength = 41
)

// Generate returns a base64-URL random token of DefaultTokenBytes entropy.
func Generate() (string, error) {
	return GenerateWithLength(DefaultTokenBytes)
}

// GenerateWithLength returns a base64-URL random token from numBytes of entropy.
func GenerateWithLength(numBytes int) (string, error) {
	if numBytes < DefaultTokenBytes {
		return "", fmt.Errorf("token length must be at least %d bytes", DefaultTokenBytes)
	}
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// GeneratePassword returns a short random password suitable for the initial
// admin credential file.
func GeneratePassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Hash returns the hex HMAC-SHA256 of tok under secret. Only hashes are kept
// in memory on the hot path; the plaintext lives in the data directory.
func Hash(tok, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(tok))
	return hex.EncodeToString(h.Sum(nil))
}

// Validate reports whether provided matches storedHash in constant time.
func Validate(provided, secret, storedHash string) bool {
	return hmac.Equal([]byte(Hash(provided, secret)), []byte(storedHash))
}

// ValidateLength is a cheap pre-check before hashing.
func ValidateLength(tok string) error {
	if len(tok) < MinTokenLength {
		return fmt.Errorf("token too short: got %d characters, need at least %d", len(tok), MinTokenLength)
	}
	return nil
}
