package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

// GenerateToken returns a cryptographically random opaque token string.
// It uses the same generator as PKCE verifiers for consistent entropy.
func GenerateToken() string {
	return oauth2.GenerateVerifier()
}

// GenerateHexID returns a random lowercase hex identifier of the given
// length. Used for client identifiers.
func GenerateHexID(length int) (string, error) {
	buf := make([]byte, (length+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate identifier: %w", err)
	}
	return hex.EncodeToString(buf)[:length], nil
}

// HashSecret returns the bcrypt hash of a client secret or user password.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}
